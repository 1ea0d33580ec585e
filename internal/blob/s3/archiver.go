package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
)

const (
	defaultArchiveBatch       = 500
	defaultMultipartThreshold = 16 * 1024 * 1024
	jsonlContentType          = "application/x-ndjson"
)

// ArchiverConfig tunes a SessionArchiver.
type ArchiverConfig struct {
	// Prefix is prepended to archive keys.
	Prefix string
	// BatchSize is the number of sessions written per object.
	BatchSize int
	// MultipartThreshold switches uploads to PutMultipart above this size.
	MultipartThreshold int64
}

// SessionArchiver implements domain.Archiver. Each batch of closed sessions
// is uploaded as one JSONL object and only then stamped archived, so a
// crash between the two re-uploads the batch under a new key on the next run.
type SessionArchiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	sessions domain.SessionStore
	audit    domain.AuditStore
	cfg      ArchiverConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver creates a SessionArchiver. reader may be nil, in which case
// uploads are trusted without a HeadObject check.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	sessions domain.SessionStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *SessionArchiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultArchiveBatch
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = defaultMultipartThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionArchiver{
		writer:   writer,
		reader:   reader,
		sessions: sessions,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "archiver")),
		now:      time.Now,
	}
}

// ArchiveSessions uploads every unarchived terminal session closed before
// the cutoff and returns how many were archived. Sessions archived by
// earlier batches stay archived when a later batch fails.
func (a *SessionArchiver) ArchiveSessions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	runAt := a.now().UTC()

	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		sessions, err := a.sessions.ListClosedBefore(ctx, before, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive sessions query: %w", err)
		}
		if len(sessions) == 0 {
			break
		}

		key := archivePath(a.cfg.Prefix, "sessions", runAt, batch)
		if err := a.upload(ctx, key, sessions); err != nil {
			return total, err
		}

		ids := make([]string, len(sessions))
		for i, s := range sessions {
			ids[i] = s.ID
		}
		if err := a.sessions.MarkArchived(ctx, ids, runAt); err != nil {
			return total, fmt.Errorf("s3blob: archive sessions mark %s: %w", key, err)
		}

		count := int64(len(sessions))
		total += count
		metrics.SessionsArchived.Add(float64(count))

		if err := a.audit.Log(ctx, "archive.sessions", map[string]any{
			"path":   key,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log write failed",
				slog.String("path", key),
				slog.String("error", err.Error()),
			)
		}

		if len(sessions) < a.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (a *SessionArchiver) upload(ctx context.Context, key string, sessions []domain.Session) error {
	buf, err := marshalJSONL(sessions)
	if err != nil {
		return fmt.Errorf("s3blob: archive sessions marshal: %w", err)
	}

	if int64(len(buf)) > a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive sessions upload: %w", err)
	}

	if a.reader == nil {
		return nil
	}
	ok, err := a.reader.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: archive sessions verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3blob: archive sessions verify %s: object missing after upload", key)
	}
	return nil
}

// archivePath builds the key for one archive batch, partitioned by the
// month of the run:
//
//	prod/archive/sessions/2026-10/20261016T120000Z-0000.jsonl
func archivePath(prefix, kind string, runAt time.Time, batch int) string {
	name := fmt.Sprintf("%s-%04d.jsonl", runAt.Format("20060102T150405Z"), batch)
	return path.Join(prefix, "archive", kind, runAt.Format("2006-01"), name)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

// Compile-time interface check.
var _ domain.Archiver = (*SessionArchiver)(nil)
