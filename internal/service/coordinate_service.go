package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"geoanchor/internal/apperr"
	"geoanchor/internal/events"
	"geoanchor/internal/storage"
)

const (
	MsgInvalidCoordinates = "Dati non validi: imageName e points (array) sono obbligatori"
	MsgCoordinatesSaved   = "Coordinate salvate con successo"
	MsgSaveFailed         = "Errore durante il salvataggio delle coordinate"
	MsgReadFailed         = "Errore durante la lettura delle coordinate"
	MsgSnapshotNotFound   = "File di coordinate non trovato"
	MsgSnapshotName       = "Nome file di coordinate non valido"

	// ISO-8601 in UTC with millisecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

	maxSnapshotAttempts = 5
)

var snapshotName = regexp.MustCompile(`^coordinates_\d+\.json$`)

type Snapshot struct {
	ImageName string            `json:"imageName"`
	Points    []json.RawMessage `json:"points"`
	Timestamp string            `json:"timestamp"`
}

type SaveCoordinatesInput struct {
	ImageName string
	// Points is nil when the field was absent or null.
	Points []json.RawMessage
}

type SaveCoordinatesResult struct {
	Filename string
	Snapshot Snapshot
}

type CoordinateService struct {
	store  *storage.DiskStore
	events events.Publisher
	clock  *MillisClock
	log    zerolog.Logger
}

func NewCoordinateService(store *storage.DiskStore, publisher events.Publisher, clock *MillisClock, log zerolog.Logger) *CoordinateService {
	return &CoordinateService{
		store:  store,
		events: publisher,
		clock:  clock,
		log:    log,
	}
}

func SnapshotFilename(ts int64) string {
	return fmt.Sprintf("coordinates_%d.json", ts)
}

func (s *CoordinateService) Save(ctx context.Context, input SaveCoordinatesInput) (SaveCoordinatesResult, error) {
	if input.ImageName == "" || input.Points == nil {
		return SaveCoordinatesResult{}, apperr.Invalid(MsgInvalidCoordinates)
	}

	for attempt := 0; attempt < maxSnapshotAttempts; attempt++ {
		ts := s.clock.Next()
		snapshot := Snapshot{
			ImageName: input.ImageName,
			Points:    input.Points,
			Timestamp: ts.Format(TimestampLayout),
		}
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return SaveCoordinatesResult{}, apperr.Internal(MsgSaveFailed, fmt.Errorf("encode snapshot: %w", err))
		}

		name := SnapshotFilename(ts.UnixMilli())
		err = s.store.WriteSnapshot(name, data)
		if errors.Is(err, fs.ErrExist) {
			// another process wrote the same millisecond
			continue
		}
		if err != nil {
			return SaveCoordinatesResult{}, apperr.Internal(MsgSaveFailed, fmt.Errorf("write snapshot: %w", err))
		}

		if err := s.events.Publish(ctx, events.Event{
			Type: events.TypeSnapshotSaved,
			Name: name,
			Size: int64(len(data)),
		}); err != nil {
			s.log.Warn().Err(err).Str("filename", name).Msg("publish snapshot event failed")
		}

		return SaveCoordinatesResult{Filename: name, Snapshot: snapshot}, nil
	}

	return SaveCoordinatesResult{}, apperr.Internal(MsgSaveFailed, errors.New("snapshot name collisions exhausted retries"))
}

// Load reads back a snapshot written by Save.
func (s *CoordinateService) Load(ctx context.Context, name string) (Snapshot, error) {
	base := storage.BaseName(name)
	if !snapshotName.MatchString(base) {
		return Snapshot{}, apperr.Invalid(MsgSnapshotName)
	}

	data, err := s.store.ReadSnapshot(base)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, apperr.NotFound(MsgSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, apperr.Internal(MsgReadFailed, fmt.Errorf("read snapshot: %w", err))
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, apperr.Internal(MsgReadFailed, fmt.Errorf("decode snapshot %s: %w", base, err))
	}
	return snapshot, nil
}
