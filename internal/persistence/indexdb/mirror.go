package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geocoins.world/internal/game"
)

// MirrorConfig configures an HTTP journal mirror. The mirror ships the same
// action and save records the sqlite journal receives to a remote collector,
// batched and retried. Best effort only.
type MirrorConfig struct {
	Endpoint      string
	Token         string
	Instance      string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type Mirror struct {
	cfg        MirrorConfig
	httpClient *http.Client

	ch   chan mirrorEvent
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropped   atomic.Uint64
	flushFail atomic.Uint64
}

type mirrorEvent struct {
	Kind     string `json:"kind"`
	Instance string `json:"instance"`
	Payload  any    `json:"payload"`
}

func OpenMirror(cfg MirrorConfig) (*Mirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Instance = strings.TrimSpace(cfg.Instance)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty mirror endpoint")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("empty instance id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	m := &Mirror{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan mirrorEvent, 32768),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()

	return m, nil
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.ch)
		m.wg.Wait()
	})
	return nil
}

func (m *Mirror) RecordAction(e game.ActionRecord) {
	if m == nil || m.closed.Load() {
		return
	}
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.enqueue(mirrorEvent{Kind: "action", Instance: m.cfg.Instance, Payload: e})
}

func (m *Mirror) RecordSave(e game.SaveRecord) {
	if m == nil || m.closed.Load() {
		return
	}
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.enqueue(mirrorEvent{Kind: "save", Instance: m.cfg.Instance, Payload: e})
}

// Dropped reports events discarded because the queue was full.
func (m *Mirror) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// FlushFailures reports batches that exhausted their retries.
func (m *Mirror) FlushFailures() uint64 {
	if m == nil {
		return 0
	}
	return m.flushFail.Load()
}

func (m *Mirror) enqueue(ev mirrorEvent) {
	select {
	case m.ch <- ev:
	default:
		m.dropped.Add(1)
		m.printf("journal mirror queue full; drop kind=%s instance=%s", ev.Kind, ev.Instance)
	}
}

func (m *Mirror) loop() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]mirrorEvent, 0, m.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.sendBatch(batch); err != nil {
			m.flushFail.Add(1)
			m.printf("journal mirror flush failed batch=%d err=%v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *Mirror) sendBatch(events []mirrorEvent) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []mirrorEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, m.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if m.cfg.Token != "" {
			req.Header.Set("x-journal-token", m.cfg.Token)
		}

		resp, err := m.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (m *Mirror) printf(format string, args ...any) {
	if m != nil && m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
