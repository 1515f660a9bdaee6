package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

const ndjson = "application/x-ndjson"

// Archiver is a domain.HistorySink that buffers attempt records and uploads
// them as JSONL objects under {prefix}/attempts/YYYY/MM/DD/. A batch is
// uploaded when it reaches batchSize, on every Run tick, and on shutdown.
type Archiver struct {
	writer    domain.BlobWriter
	prefix    string
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []domain.AttemptRecord
	seq     int
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, prefix string, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 50
	}
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer:    writer,
		prefix:    prefix,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "s3_archiver")),
		now:       time.Now,
	}
}

// Record implements domain.HistorySink.
func (a *Archiver) Record(ctx context.Context, rec domain.AttemptRecord) error {
	a.mu.Lock()
	a.pending = append(a.pending, rec)
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()
	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush uploads everything buffered. On failure the records are put back
// so the next flush retries them.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	path := a.objectPath(a.now(), seq)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), ndjson); err != nil {
		a.mu.Lock()
		a.pending = append(batch, a.pending...)
		a.mu.Unlock()
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	a.logger.Debug("attempts archived", slog.String("path", path), slog.Int("count", len(batch)))
	return nil
}

// Pending returns the number of buffered records.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := a.Flush(fctx); err != nil {
				a.logger.Warn("final archive flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Warn("archive flush failed",
					slog.Int("pending", a.Pending()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// objectPath names a batch object, such as
// archive/attempts/2026/03/01/120000-000001.jsonl for the batch numbered 1 at
// 12:00:00 UTC.
func (a *Archiver) objectPath(at time.Time, seq int) string {
	at = at.UTC()
	return fmt.Sprintf("%s/attempts/%s/%s-%06d.jsonl", a.prefix, at.Format("2006/01/02"), at.Format("150405"), seq)
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.HistorySink = (*Archiver)(nil)
