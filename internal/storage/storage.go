// Package storage persists fetched bodies. BlobWriter turns a BlobStore into
// per-target handlers that producers attach to their tasks.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// DefaultContentType is stamped on stored bodies when none is configured.
const DefaultContentType = "text/html; charset=utf-8"

// BlobStore saves an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoOpStore discards every object. Used when bodies are fetched but not kept.
type NoOpStore struct{}

// PutObject implements BlobStore.
func (NoOpStore) PutObject(_ context.Context, path string, _ string, _ io.Reader) (string, error) {
	return "noop://" + path, nil
}

// BlobConfig controls object naming.
type BlobConfig struct {
	Prefix      string
	ContentType string
}

// BlobWriter stores bodies under {prefix}/{sha256(target)}.html.
type BlobWriter struct {
	store  BlobStore
	cfg    BlobConfig
	logger *zap.Logger
}

// NewBlobWriter wraps store.
func NewBlobWriter(store BlobStore, cfg BlobConfig, logger *zap.Logger) *BlobWriter {
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobWriter{store: store, cfg: cfg, logger: logger}
}

// HandlerFor returns the handler that stores the body fetched for target.
func (w *BlobWriter) HandlerFor(target string) *BlobHandler {
	return &BlobHandler{writer: w, target: target}
}

// ObjectPath derives the object key for target.
func ObjectPath(prefix, target string) string {
	sum := sha256.Sum256([]byte(target))
	name := hex.EncodeToString(sum[:]) + ".html"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// BlobHandler writes one target's body to the blob store.
type BlobHandler struct {
	writer *BlobWriter
	target string
}

// Name identifies the handler in logs and the failed-task log.
func (h *BlobHandler) Name() string {
	return "blob"
}

// Handle stores body.
func (h *BlobHandler) Handle(ctx context.Context, body string) error {
	path := ObjectPath(h.writer.cfg.Prefix, h.target)
	uri, err := h.writer.store.PutObject(ctx, path, h.writer.cfg.ContentType, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("store body for %s: %w", h.target, err)
	}
	h.writer.logger.Debug("body stored",
		zap.String("url", h.target),
		zap.String("uri", uri),
		zap.Int("bytes", len(body)),
	)
	return nil
}
