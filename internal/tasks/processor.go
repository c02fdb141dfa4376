package tasks

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"geoanchor/internal/events"
	"geoanchor/internal/media/sniffer"
	"geoanchor/internal/metrics"
	"geoanchor/internal/storage"
)

const (
	UploadPrefix   = "uploads/"
	SnapshotPrefix = "snapshots/"

	resultMirrored = "mirrored"
	resultSkipped  = "skipped"
	resultMissing  = "missing"
	resultMismatch = "mismatch"
)

// Mirror is the object store the worker copies files into. *storage.ObjectStore implements it.
type Mirror interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error
}

type Processor struct {
	store   *storage.DiskStore
	mirror  Mirror
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewProcessor(store *storage.DiskStore, mirror Mirror, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		store:   store,
		mirror:  mirror,
		metrics: m,
		logger:  logger,
	}
}

// Handle mirrors the file named by one stream event. Returning nil acknowledges
// the message, so only transient failures are reported as errors.
func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	event, err := events.Parse(msg.Values)
	if err != nil {
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed event")
		return nil
	}

	switch event.Type {
	case events.TypeImageUploaded:
		return p.mirrorFile(ctx, "upload", event, UploadPrefix, p.store.UploadPath)
	case events.TypeSnapshotSaved:
		return p.mirrorFile(ctx, "snapshot", event, SnapshotPrefix, p.store.SnapshotPath)
	default:
		p.logger.Warn().Str("type", string(event.Type)).Msg("unknown event type")
		return nil
	}
}

func (p *Processor) mirrorFile(ctx context.Context, kind string, event events.Event, prefix string, locate func(string) (string, error)) error {
	key := prefix + storage.BaseName(event.Name)
	log := p.logger.With().Str("kind", kind).Str("key", key).Logger()

	exists, err := p.mirror.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		p.count(kind, resultSkipped)
		log.Debug().Msg("object already mirrored")
		return nil
	}

	path, err := locate(event.Name)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
		p.count(kind, resultMissing)
		log.Warn().Err(err).Msg("source file missing, nothing to mirror")
		return nil
	}
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	sum := blake2b.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if event.Checksum != "" && event.Checksum != checksum {
		p.count(kind, resultMismatch)
		log.Error().Str("expected", event.Checksum).Str("actual", checksum).Msg("checksum mismatch, not mirroring")
		return nil
	}

	if err := p.mirror.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType(kind, data), map[string]string{
		"checksum": checksum,
	}); err != nil {
		return err
	}

	p.count(kind, resultMirrored)
	log.Info().Int("bytes", len(data)).Msg("object mirrored")
	return nil
}

func (p *Processor) count(kind, result string) {
	if p.metrics != nil {
		p.metrics.Mirrored.WithLabelValues(kind, result).Inc()
	}
}

func contentType(kind string, data []byte) string {
	if kind == "snapshot" {
		return "application/json"
	}
	if result, err := sniffer.DetectHead(data); err == nil {
		return result.MIME
	}
	return "application/octet-stream"
}
