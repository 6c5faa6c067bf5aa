// Package failedlog keeps the append-only audit trail of tasks that ran out of
// fetch attempts.
//
// Each record is one line of tab-separated key=value pairs:
//
//	at=2024-05-01T10:00:00Z	target=https://example.com/a	handler=store	attempts=3	error=unexpected status 500
//
// The file is meant for people reading it, not for replay; ReadRecords exists
// for the audit surfaces (CLI and API).
package failedlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Record is one exhausted task.
type Record struct {
	At        time.Time `json:"at"`
	Target    string    `json:"target"`
	Handler   string    `json:"handler"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Mirror receives a copy of every record, e.g. a database table.
type Mirror interface {
	InsertFailedTask(ctx context.Context, rec Record) error
}

// Log appends records to a file. Safe for concurrent use; every record is a
// single Write call under the lock so lines never interleave.
type Log struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	count         atomic.Int64
	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *zap.Logger
}

const defaultMirrorTimeout = 5 * time.Second

// Option configures a Log.
type Option func(*Log)

// WithMirror copies every record to m after the file append.
func WithMirror(m Mirror) Option {
	return func(l *Log) {
		l.mirror = m
	}
}

// WithMirrorTimeout bounds each mirror insert; d <= 0 keeps the default.
func WithMirrorTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.mirrorTimeout = d
		}
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Open opens path for appending, creating it and its parent directory when
// missing. Existing content is never truncated.
func Open(path string, opts ...Option) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("failed log path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create failed log dir: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open failed log: %w", err)
	}
	l := &Log{file: f, path: path, mirrorTimeout: defaultMirrorTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Count reports records written by this process.
func (l *Log) Count() int64 {
	return l.count.Load()
}

// Record appends rec. A zero At is stamped with the current time.
func (l *Log) Record(ctx context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	line := rec.Format() + "\n"

	l.mu.Lock()
	if l.file == nil {
		l.mu.Unlock()
		return errors.New("failed log is closed")
	}
	_, err := l.file.WriteString(line)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append failed log: %w", err)
	}
	l.count.Add(1)

	if l.mirror != nil {
		mctx, cancel := context.WithTimeout(ctx, l.mirrorTimeout)
		defer cancel()
		if err := l.mirror.InsertFailedTask(mctx, rec); err != nil {
			l.logger.Warn("failed task mirror insert failed", zap.String("url", rec.Target), zap.Error(err))
			return fmt.Errorf("mirror failed task: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file. Later Record calls fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close failed log: %w", err)
	}
	return nil
}

var fieldEscaper = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// Format renders rec as a single log line without the trailing newline.
func (r Record) Format() string {
	var b strings.Builder
	b.WriteString("at=")
	b.WriteString(r.At.UTC().Format(time.RFC3339))
	b.WriteString("\ttarget=")
	b.WriteString(fieldEscaper.Replace(r.Target))
	b.WriteString("\thandler=")
	b.WriteString(fieldEscaper.Replace(r.Handler))
	b.WriteString("\tattempts=")
	b.WriteString(strconv.Itoa(r.Attempts))
	if r.LastError != "" {
		b.WriteString("\terror=")
		b.WriteString(fieldEscaper.Replace(r.LastError))
	}
	return b.String()
}

// ParseLine reverses Format. Unknown keys are ignored.
func ParseLine(line string) (Record, error) {
	var rec Record
	for _, field := range strings.Split(strings.TrimRight(line, "\r\n"), "\t") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return Record{}, fmt.Errorf("malformed field %q", field)
		}
		switch key {
		case "at":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Record{}, fmt.Errorf("parse at: %w", err)
			}
			rec.At = ts
		case "target":
			rec.Target = value
		case "handler":
			rec.Handler = value
		case "attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Record{}, fmt.Errorf("parse attempts: %w", err)
			}
			rec.Attempts = n
		case "error":
			rec.LastError = value
		}
	}
	if rec.Target == "" {
		return Record{}, errors.New("record has no target")
	}
	return rec, nil
}

// ReadRecords loads every record from path. A missing file yields no records.
// Blank lines are skipped; a malformed line is an error naming its number.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open failed log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan failed log: %w", err)
	}
	return out, nil
}

// Targets returns the target of each record, in file order.
func Targets(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Target)
	}
	return out
}
