// Package audit records moderation and operator-visible events as an
// append-only, zstd-compressed JSONL stream with daily rotation.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	ActionUpload       = "upload"
	ActionValidated    = "validated"
	ActionRejected     = "rejected"
	ActionAccepted     = "accepted"
	ActionConfigChange = "config_change"
	ActionReset        = "reset"
	ActionQuarantine   = "quarantine"
)

type Entry struct {
	Time      string `json:"time"`
	Actor     string `json:"actor,omitempty"`
	Action    string `json:"action"`
	ChamberID string `json:"chamber_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type Logger struct {
	dir string

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewLogger(dir string) *Logger {
	return &Logger{dir: dir}
}

// Record appends one entry, stamping the time. Errors are returned but a
// failed audit write never blocks the operation it describes; callers log
// and move on.
func (l *Logger) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	e.Time = now.Format(time.RFC3339Nano)
	day := now.Format("2006-01-02")
	if day != l.curDay {
		if err := l.rotateLocked(day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Logger) rotateLocked(day string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl.zst", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 32*1024)
	l.curDay = day
	return nil
}

func (l *Logger) closeLocked() error {
	var errEnc error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		errEnc = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	l.curDay = ""
	return errEnc
}
