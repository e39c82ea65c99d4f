package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time view of the queue counters for /metrics.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Enqueued      uint64
	Saturated     uint64
	Dropped       uint64
	Uploaded      uint64
	Failed        uint64
	LastOKUnix    int64
	LastErrorUnix int64
}

type QueueOptions struct {
	Workers     int
	Capacity    int
	EnqueueWait time.Duration
	Logger      *log.Logger
}

// Queue uploads files under dataDir, keyed by their data-dir relative path
// below prefix. Enqueue stays bounded so rotation call sites never stall; a
// file is dropped when the queue remains saturated past the wait.
type Queue struct {
	client  *Client
	dataDir string
	prefix  string
	opts    QueueOptions

	jobs chan string
	wg   sync.WaitGroup

	enqueued  atomic.Uint64
	saturated atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOK    atomic.Int64
	lastErr   atomic.Int64
}

func NewQueue(client *Client, dataDir, prefix string, opts QueueOptions) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 2048
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	q := &Queue{
		client:  client,
		dataDir: dataDir,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		opts:    opts,
		jobs:    make(chan string, opts.Capacity),
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for localPath := range q.jobs {
				q.uploadOne(localPath)
			}
		}()
	}
	return q
}

func (q *Queue) Enqueue(localPath string) {
	if q == nil || q.client == nil {
		return
	}
	q.enqueued.Add(1)

	select {
	case q.jobs <- localPath:
		return
	default:
	}

	q.saturated.Add(1)
	timer := time.NewTimer(q.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case q.jobs <- localPath:
	case <-timer.C:
		n := q.dropped.Add(1)
		q.printf("upload drop local=%s reason=queue_saturated dropped_total=%d", localPath, n)
	}
}

// Close drains the queue and stops the workers.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	close(q.jobs)
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	if q == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(q.jobs),
		QueueCapacity: cap(q.jobs),
		Enqueued:      q.enqueued.Load(),
		Saturated:     q.saturated.Load(),
		Dropped:       q.dropped.Load(),
		Uploaded:      q.uploaded.Load(),
		Failed:        q.failed.Load(),
		LastOKUnix:    q.lastOK.Load(),
		LastErrorUnix: q.lastErr.Load(),
	}
}

func (q *Queue) uploadOne(localPath string) {
	key, err := q.objectKey(localPath)
	if err != nil {
		q.printf("upload skip local=%s err=%v", localPath, err)
		return
	}
	if err := q.putWithRetry(key, localPath); err != nil {
		q.failed.Add(1)
		q.lastErr.Store(time.Now().UTC().Unix())
		q.printf("upload failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	q.uploaded.Add(1)
	q.lastOK.Store(time.Now().UTC().Unix())
	q.printf("uploaded key=%s local=%s", key, localPath)
}

func (q *Queue) putWithRetry(key, localPath string) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := q.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

// objectKey maps a local path to its bucket key. Paths outside the data dir
// are refused rather than uploaded under a surprising key.
func (q *Queue) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(q.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside data dir %s", absLocal, absBase)
	}

	if q.prefix != "" {
		return path.Join(q.prefix, rel), nil
	}
	return rel, nil
}

func (q *Queue) printf(format string, args ...any) {
	if q.opts.Logger != nil {
		q.opts.Logger.Printf(format, args...)
	}
}
