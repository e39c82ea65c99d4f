// Package log writes compressed JSONL event streams with time-based
// rotation. One line per record, one file per rotation stamp.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"geocoins.world/internal/game"
)

// LoggerOptions tune rotation and segment handoff.
type LoggerOptions struct {
	// RotateLayout is the time layout that names a segment. Records sharing a
	// stamp share a file. Defaults to hourly.
	RotateLayout string
	// OnClose receives the path of every finished segment, including the one
	// closed on shutdown. Used to hand segments to an upload mirror.
	OnClose func(path string)
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	opts    LoggerOptions

	mu       sync.Mutex
	curStamp string
	curPath  string
	f        *os.File
	enc      *zstd.Encoder
	w        *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return NewJSONLZstdWriterWithOptions(baseDir, prefix, LoggerOptions{})
}

func NewJSONLZstdWriterWithOptions(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	if opts.RotateLayout == "" {
		opts.RotateLayout = "2006-01-02-15"
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		opts:    opts,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := time.Now().UTC().Format(w.opts.RotateLayout)
	if stamp != w.curStamp {
		if err := w.rotateLocked(stamp); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(stamp string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForStamp(stamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curStamp = stamp
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	if w.curPath != "" && w.opts.OnClose != nil {
		w.opts.OnClose(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForStamp(stamp string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, stamp))
}

// ActionLogger writes one JSONL entry per handled action (compressed).
// Write errors are swallowed; the stream is best effort.
type ActionLogger struct{ w *JSONLZstdWriter }

func NewActionLogger(dataDir string) *ActionLogger {
	return NewActionLoggerWithOptions(dataDir, LoggerOptions{})
}

func NewActionLoggerWithOptions(dataDir string, opts LoggerOptions) *ActionLogger {
	return &ActionLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(dataDir, "actions"), "actions", opts)}
}

func (l *ActionLogger) RecordAction(v game.ActionRecord) {
	if v.At == "" {
		v.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_ = l.w.Write(v)
}
func (l *ActionLogger) Close() error { return l.w.Close() }

// SaveLogger writes one JSONL entry per committed save (compressed).
type SaveLogger struct{ w *JSONLZstdWriter }

func NewSaveLogger(dataDir string) *SaveLogger {
	return NewSaveLoggerWithOptions(dataDir, LoggerOptions{})
}

func NewSaveLoggerWithOptions(dataDir string, opts LoggerOptions) *SaveLogger {
	return &SaveLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(dataDir, "saves"), "saves", opts)}
}

func (l *SaveLogger) RecordSave(v game.SaveRecord) {
	if v.At == "" {
		v.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_ = l.w.Write(v)
}
func (l *SaveLogger) Close() error { return l.w.Close() }

// NoticeLogger streams notices: position-source failures, admin events,
// save recovery.
type NoticeLogger struct{ w *JSONLZstdWriter }

func NewNoticeLogger(dataDir string) *NoticeLogger {
	return NewNoticeLoggerWithOptions(dataDir, LoggerOptions{})
}

func NewNoticeLoggerWithOptions(dataDir string, opts LoggerOptions) *NoticeLogger {
	return &NoticeLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(dataDir, "notices"), "notices", opts)}
}

func (l *NoticeLogger) RecordNotice(v game.NoticeRecord) {
	if v.At == "" {
		v.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_ = l.w.Write(v)
}
func (l *NoticeLogger) Close() error { return l.w.Close() }
