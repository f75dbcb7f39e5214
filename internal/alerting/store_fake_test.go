package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/envmon/envmon/internal/domain"
)

// memStore is an in-memory Store that enforces the one-open-alert-per-device
// rule the database index enforces.
type memStore struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	devices map[int64]*domain.Device
	configs map[int64]*domain.DeviceConfiguration
	areas   map[int64]*domain.Area
	alerts  map[string]*domain.Alert

	configErr error
}

func newMemStore() *memStore {
	return &memStore{
		locks:   map[int64]*sync.Mutex{},
		devices: map[int64]*domain.Device{},
		configs: map[int64]*domain.DeviceConfiguration{},
		areas:   map[int64]*domain.Area{},
		alerts:  map[string]*domain.Alert{},
	}
}

func (m *memStore) CurrentConfiguration(_ context.Context, deviceID int64) (*domain.DeviceConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configErr != nil {
		return nil, m.configErr
	}
	cfg, ok := m.configs[deviceID]
	if !ok {
		return nil, fmt.Errorf("configuration for device %d: %w", deviceID, domain.ErrNotFound)
	}
	return cfg, nil
}

func (m *memStore) Area(_ context.Context, id int64) (*domain.Area, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.areas[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (m *memStore) Alert(_ context.Context, id string) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx Tx, device *domain.Device) error) error {
	m.mu.Lock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	dev, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	cp := *dev
	m.mu.Unlock()
	return fn(memTx{m}, &cp)
}

func (m *memStore) openAlerts(deviceID int64) []*domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Alert
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Status.Open() {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) alertsFor(deviceID int64) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Alert
	for _, a := range m.alerts {
		if a.DeviceID == deviceID {
			out = append(out, *a)
		}
	}
	return out
}

type memTx struct{ m *memStore }

func (t memTx) OpenAlert(_ context.Context, deviceID int64) (*domain.Alert, error) {
	open := t.m.openAlerts(deviceID)
	if len(open) == 0 {
		return nil, nil
	}
	cp := *open[0]
	return &cp, nil
}

func (t memTx) Alert(ctx context.Context, id string) (*domain.Alert, error) {
	return t.m.Alert(ctx, id)
}

func (t memTx) InsertAlert(_ context.Context, a *domain.Alert) error {
	if len(t.m.openAlerts(a.DeviceID)) > 0 {
		return errors.New("duplicate open alert")
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	cp := *a
	t.m.alerts[a.ID] = &cp
	return nil
}

func (t memTx) UpdateAlert(_ context.Context, a *domain.Alert) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.alerts[a.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *a
	t.m.alerts[a.ID] = &cp
	return nil
}

func (t memTx) MarkEvaluated(_ context.Context, deviceID int64, at time.Time) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.devices[deviceID].LastEvaluatedAt = &at
	return nil
}

type sent struct {
	alert domain.Alert
	kind  domain.EventKind
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) NotifyForAlert(_ context.Context, a domain.Alert, kind domain.EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{alert: a, kind: kind})
}

func (r *recordingNotifier) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.kind
	}
	return out
}
