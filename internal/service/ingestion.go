package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/vendor"
)

var ErrInvalidReading = errors.New("invalid reading")

type ReadingStore interface {
	// InsertReading reports false when (device_id, recorded_at) already exists.
	InsertReading(ctx context.Context, rd *domain.Reading) (bool, error)
}

type EventPublisher interface {
	PublishReadingReceived(ctx context.Context, ev domain.ReadingReceived) error
}

type RawArchiver interface {
	Archive(ctx context.Context, vendor, deviceUID string, receivedAt time.Time, body []byte) (string, error)
}

// EntryError describes one failed entry of a batch upload.
type EntryError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type BatchResult struct {
	Success int
	Failed  int
	Errors  []EntryError
}

// entryError keeps the message of payload problems the device can fix and
// hides everything else.
func entryError(index int, err error) EntryError {
	if errors.Is(err, ErrInvalidReading) || errors.Is(err, vendor.ErrMalformedPayload) || errors.Is(err, vendor.ErrUnknownVendor) {
		return EntryError{Index: index, Error: err.Error()}
	}
	return EntryError{Index: index, Error: "Failed to store reading"}
}

func (r *BatchResult) add(other BatchResult, index int) {
	r.Success += other.Success
	r.Failed += other.Failed
	for _, e := range other.Errors {
		e.Index = index
		r.Errors = append(r.Errors, e)
	}
}

// ReadingIngestionService normalizes vendor payloads and stores them. Every
// newly stored reading emits one ReadingReceived event.
type ReadingIngestionService struct {
	store    ReadingStore
	registry *vendor.Registry
	events   EventPublisher
	archive  RawArchiver
	log      zerolog.Logger

	Now func() time.Time
}

// NewReadingIngestionService wires the service. events and archive may be nil.
func NewReadingIngestionService(store ReadingStore, registry *vendor.Registry, events EventPublisher, archive RawArchiver, logger zerolog.Logger) *ReadingIngestionService {
	return &ReadingIngestionService{
		store:    store,
		registry: registry,
		events:   events,
		archive:  archive,
		log:      logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store persists one normalized sample. The second return is false when the
// sample was already stored; no event is emitted then.
func (s *ReadingIngestionService) Store(ctx context.Context, device domain.Device, batch domain.ReadingBatch, receivedAt time.Time) (*domain.Reading, bool, error) {
	if batch.RecordedAt.IsZero() {
		return nil, false, fmt.Errorf("%w: missing recorded_at", ErrInvalidReading)
	}
	if batch.RecordedAt.After(receivedAt.Add(24 * time.Hour)) {
		return nil, false, fmt.Errorf("%w: recorded_at %s is in the future", ErrInvalidReading, batch.RecordedAt.Format(time.RFC3339))
	}

	rd := batch.Reading(device.ID, receivedAt)
	inserted, err := s.store.InsertReading(ctx, &rd)
	if err != nil {
		return nil, false, err
	}

	logger := s.log.With().
		Int64("device_id", device.ID).
		Int64("reading_id", rd.ID).
		Time("recorded_at", rd.RecordedAt).
		Logger()
	if !inserted {
		logger.Debug().Msg("duplicate reading ignored")
		return &rd, false, nil
	}

	if s.events != nil {
		ev := domain.ReadingReceived{DeviceID: device.ID, ReadingID: rd.ID, RecordedAt: rd.RecordedAt}
		if err := s.events.PublishReadingReceived(ctx, ev); err != nil {
			// Resubmission would be a duplicate; the Reconciler sweep republishes it.
			logger.Error().Err(err).Msg("failed to publish reading event")
		}
	}
	return &rd, true, nil
}

// StoreBatch stores each sample independently. A failing sample is counted
// and reported without stopping the rest.
func (s *ReadingIngestionService) StoreBatch(ctx context.Context, device domain.Device, batches []domain.ReadingBatch, receivedAt time.Time) BatchResult {
	var res BatchResult
	for i, b := range batches {
		if _, _, err := s.Store(ctx, device, b, receivedAt); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, entryError(i, err))
			s.log.Warn().Err(err).Int64("device_id", device.ID).Int("index", i).Msg("reading not stored")
			continue
		}
		res.Success++
	}
	return res
}

// Ingest parses one raw vendor payload with the device's adapter and stores
// every sample it yields. Control messages yield an empty result.
func (s *ReadingIngestionService) Ingest(ctx context.Context, device domain.Device, raw []byte) (BatchResult, time.Time, error) {
	receivedAt := s.Now()
	s.archiveRaw(ctx, device, raw, receivedAt)

	batches, err := s.parse(device, raw)
	if err != nil {
		return BatchResult{}, receivedAt, err
	}
	return s.StoreBatch(ctx, device, batches, receivedAt), receivedAt, nil
}

// IngestEntries handles a batch upload where every entry is a separate
// vendor payload. Unparseable entries count as failed.
func (s *ReadingIngestionService) IngestEntries(ctx context.Context, device domain.Device, entries []json.RawMessage) (BatchResult, time.Time) {
	receivedAt := s.Now()
	var res BatchResult
	for i, entry := range entries {
		s.archiveRaw(ctx, device, entry, receivedAt.Add(time.Duration(i)))

		batches, err := s.parse(device, entry)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, entryError(i, err))
			continue
		}
		res.add(s.StoreBatch(ctx, device, batches, receivedAt), i)
	}
	return res, receivedAt
}

func (s *ReadingIngestionService) parse(device domain.Device, raw []byte) ([]domain.ReadingBatch, error) {
	adapter, err := s.registry.Resolve(device.Vendor, device.Model)
	if err != nil {
		return nil, err
	}
	return adapter.ParseReadings(raw)
}

func (s *ReadingIngestionService) archiveRaw(ctx context.Context, device domain.Device, raw []byte, receivedAt time.Time) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Archive(ctx, device.Vendor, device.UID, receivedAt, raw); err != nil {
		s.log.Warn().Err(err).Int64("device_id", device.ID).Str("vendor", device.Vendor).Msg("raw payload not archived")
	}
}
