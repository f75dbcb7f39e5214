package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/envmon/envmon/internal/domain"
)

type readingKey struct {
	deviceID   int64
	recordedAt time.Time
}

// fakeStore keeps readings and configurations in memory and enforces the
// (device_id, recorded_at) uniqueness of the readings table.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	readings  map[readingKey]*domain.Reading
	byID      map[int64]*domain.Reading
	devices   map[int64]*domain.Device
	configs   map[int64][]domain.DeviceConfiguration
	insertErr error

	pendingCommands map[int64]string
	statuses        map[int64][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		readings:        map[readingKey]*domain.Reading{},
		byID:            map[int64]*domain.Reading{},
		devices:         map[int64]*domain.Device{},
		configs:         map[int64][]domain.DeviceConfiguration{},
		pendingCommands: map[int64]string{},
		statuses:        map[int64][]string{},
	}
}

func (f *fakeStore) InsertReading(_ context.Context, rd *domain.Reading) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	k := readingKey{rd.DeviceID, rd.RecordedAt}
	if _, ok := f.readings[k]; ok {
		return false, nil
	}
	f.nextID++
	rd.ID = f.nextID
	cp := *rd
	f.readings[k] = &cp
	f.byID[cp.ID] = &cp
	return true, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

func (f *fakeStore) Device(_ context.Context, id int64) (*domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) Reading(_ context.Context, id int64) (*domain.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rd, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rd
	return &cp, nil
}

func (f *fakeStore) CurrentConfiguration(_ context.Context, deviceID int64) (*domain.DeviceConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.configs[deviceID] {
		if f.configs[deviceID][i].IsCurrent {
			cp := f.configs[deviceID][i]
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) ReplaceConfiguration(_ context.Context, cfg *domain.DeviceConfiguration, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.configs[cfg.DeviceID]
	for i := range history {
		if history[i].IsCurrent {
			history[i].IsCurrent = false
			history[i].EffectiveTo = &at
		}
	}
	cfg.ID = int64(len(history) + 1)
	cfg.IsCurrent = true
	cfg.EffectiveFrom = at
	f.configs[cfg.DeviceID] = append(history, *cfg)
	return nil
}

func (f *fakeStore) SetPendingConfigCommand(_ context.Context, deviceID int64, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingCommands[deviceID] = command
	f.statuses[deviceID] = append(f.statuses[deviceID], domain.ConfigStatusPending)
	return nil
}

func (f *fakeStore) SetConfigStatus(_ context.Context, deviceID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[deviceID] = append(f.statuses[deviceID], status)
	if status == domain.ConfigStatusConfirmed {
		delete(f.pendingCommands, deviceID)
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ReadingReceived
	err    error
}

func (p *recordingPublisher) PublishReadingReceived(_ context.Context, ev domain.ReadingReceived) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type archived struct {
	key  string
	body string
}

type recordingArchive struct {
	items []archived
	err   error
}

func (a *recordingArchive) Archive(_ context.Context, vendor, uid string, at time.Time, body []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	key := vendor + "/" + uid + "/" + at.Format(time.RFC3339Nano)
	a.items = append(a.items, archived{key: key, body: string(body)})
	return key, nil
}

var errBoom = errors.New("boom")

// UnevaluatedReadings mirrors the repository query for devices present in
// f.devices: the newest reading past the watermark, received before the cutoff.
func (f *fakeStore) UnevaluatedReadings(_ context.Context, receivedBefore time.Time, limit int) ([]domain.ReadingReceived, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	newest := map[int64]*domain.Reading{}
	for _, rd := range f.readings {
		if cur, ok := newest[rd.DeviceID]; !ok || rd.RecordedAt.After(cur.RecordedAt) {
			newest[rd.DeviceID] = rd
		}
	}
	var out []domain.ReadingReceived
	for id, rd := range newest {
		d, ok := f.devices[id]
		if !ok || !rd.ReceivedAt.Before(receivedBefore) {
			continue
		}
		if d.LastEvaluatedAt != nil && !rd.RecordedAt.After(*d.LastEvaluatedAt) {
			continue
		}
		out = append(out, domain.ReadingReceived{DeviceID: id, ReadingID: rd.ID, RecordedAt: rd.RecordedAt})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
