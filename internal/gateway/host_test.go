package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/mesh-gateway/internal/authority"
	"github.com/meshbridge/mesh-gateway/internal/authority/authoritytest"
	"github.com/meshbridge/mesh-gateway/internal/models"
	"github.com/meshbridge/mesh-gateway/internal/storage"
)

// sequenceHost answers the host state from a script, then repeats the last entry
type sequenceHost struct {
	*authoritytest.Fake
	states []models.AssocState
	asked  int
}

func (s *sequenceHost) GetHostAssocState(ctx context.Context) (models.AssocState, error) {
	i := s.asked
	if i >= len(s.states) {
		i = len(s.states) - 1
	}
	s.asked++
	return s.states[i], nil
}

func TestHostPendingIsConfirmed(t *testing.T) {
	fake := authoritytest.New()
	fake.HostState = models.AssocPending
	store := storage.NewMemoryStore()

	state, err := WaitHostAssociated(context.Background(), fake, time.Millisecond, store)
	require.NoError(t, err)
	assert.Equal(t, models.AssocAssociated, state)
	assert.Equal(t, 1, fake.HostConfirmations)

	typ := models.EventTypeHostConfirmed
	events, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Nil(t, events[0].DeviceID)
}

func TestHostAssociatedStartsImmediately(t *testing.T) {
	fake := authoritytest.New()

	state, err := WaitHostAssociated(context.Background(), fake, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AssocAssociated, state)
	assert.Zero(t, fake.HostConfirmations)
}

func TestHostUnassociatedWaits(t *testing.T) {
	svc := &sequenceHost{
		Fake:   authoritytest.New(),
		states: []models.AssocState{models.AssocUnassociated, models.AssocUnassociated, models.AssocAssociated},
	}

	state, err := WaitHostAssociated(context.Background(), svc, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AssocAssociated, state)
	assert.Equal(t, 3, svc.asked)
}

func TestHostUnassociatedCancelled(t *testing.T) {
	fake := authoritytest.New()
	fake.HostState = models.AssocUnassociated

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := WaitHostAssociated(ctx, fake, time.Hour, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.AssocUnassociated, state)
}

func TestHostUnknownOrUnreachableContinues(t *testing.T) {
	fake := authoritytest.New()
	fake.HostState = models.AssocUnknown

	state, err := WaitHostAssociated(context.Background(), fake, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AssocUnknown, state)

	fake.SetErr(authority.ErrRemoteUnavailable)
	state, err = WaitHostAssociated(context.Background(), fake, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AssocUnknown, state)
	assert.False(t, errors.Is(err, authority.ErrRemoteUnavailable))
}
