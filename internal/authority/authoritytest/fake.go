// Package authoritytest provides an in-memory authority.Service for tests.
package authoritytest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/models"
)

// Fake records every call and answers from its maps
type Fake struct {
	mu sync.Mutex

	States  map[uuid.UUID]models.AssocState
	Periods map[uuid.UUID]time.Duration

	HostState models.AssocState

	// Err, when set, is returned by every call
	Err error

	Calls             []string
	Confirmed         []uuid.UUID
	Reset             []uuid.UUID
	Readings          []models.SensorReading
	HostConfirmations int
}

var _ authority.Service = (*Fake)(nil)

// New creates an empty fake; unknown devices report UNKNOWN
func New() *Fake {
	return &Fake{
		States:    make(map[uuid.UUID]models.AssocState),
		Periods:   make(map[uuid.UUID]time.Duration),
		HostState: models.AssocAssociated,
	}
}

// SetDevice sets the state and period returned for a device
func (f *Fake) SetDevice(id uuid.UUID, state models.AssocState, period time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States[id] = state
	f.Periods[id] = period
}

// SetErr makes every following call fail with err (nil clears it)
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// CallCount returns how many calls were made
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// PostedReadings returns a copy of the posted readings
func (f *Fake) PostedReadings() []models.SensorReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SensorReading, len(f.Readings))
	copy(out, f.Readings)
	return out
}

func (f *Fake) record(call string) error {
	f.Calls = append(f.Calls, call)
	return f.Err
}

// GetAssocState implements authority.Service
func (f *Fake) GetAssocState(ctx context.Context, deviceID uuid.UUID) (models.AssocState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetAssocState"); err != nil {
		return models.AssocUnknown, err
	}
	state, ok := f.States[deviceID]
	if !ok {
		return models.AssocUnknown, nil
	}
	return state, nil
}

// GetPollPeriod implements authority.Service
func (f *Fake) GetPollPeriod(ctx context.Context, deviceID uuid.UUID) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPollPeriod"); err != nil {
		return 0, err
	}
	return f.Periods[deviceID], nil
}

// ConfirmAssoc implements authority.Service
func (f *Fake) ConfirmAssoc(ctx context.Context, deviceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ConfirmAssoc"); err != nil {
		return err
	}
	f.Confirmed = append(f.Confirmed, deviceID)
	f.States[deviceID] = models.AssocAssociated
	return nil
}

// ResetAssoc implements authority.Service
func (f *Fake) ResetAssoc(ctx context.Context, deviceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResetAssoc"); err != nil {
		return err
	}
	f.Reset = append(f.Reset, deviceID)
	f.States[deviceID] = models.AssocUnassociated
	return nil
}

// PostSensorReading implements authority.Service
func (f *Fake) PostSensorReading(ctx context.Context, reading *models.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PostSensorReading"); err != nil {
		return err
	}
	f.Readings = append(f.Readings, *reading)
	return nil
}

// GetHostAssocState implements authority.Service
func (f *Fake) GetHostAssocState(ctx context.Context) (models.AssocState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetHostAssocState"); err != nil {
		return models.AssocUnknown, err
	}
	return f.HostState, nil
}

// ConfirmHostAssoc implements authority.Service
func (f *Fake) ConfirmHostAssoc(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ConfirmHostAssoc"); err != nil {
		return err
	}
	f.HostConfirmations++
	f.HostState = models.AssocAssociated
	return nil
}
