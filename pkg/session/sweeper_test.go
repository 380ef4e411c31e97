package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeperValidation(t *testing.T) {
	store := NewStore(StoreConfig{})

	_, err := NewSweeper(SweeperConfig{Retention: time.Hour})
	assert.Error(t, err)

	_, err = NewSweeper(SweeperConfig{Repository: store})
	assert.Error(t, err)

	_, err = NewSweeper(SweeperConfig{Repository: store, Retention: time.Hour, Schedule: "sometimes"})
	assert.Error(t, err)
}

func TestSweeperSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(StoreConfig{Now: clock.Now})

	stale, err := store.Create(ctx, CreateParams{Title: "stale"})
	require.NoError(t, err)

	clock.Set(clock.Now().Add(3 * time.Hour))
	fresh, err := store.Create(ctx, CreateParams{Title: "fresh"})
	require.NoError(t, err)

	sweeper, err := NewSweeper(SweeperConfig{
		Repository: store,
		Retention:  2 * time.Hour,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	sweeper, err := NewSweeper(SweeperConfig{
		Repository: NewStore(StoreConfig{}),
		Retention:  time.Hour,
		Schedule:   "@every 1h",
	})
	require.NoError(t, err)

	require.NoError(t, sweeper.Start())
	assert.Error(t, sweeper.Start())
	sweeper.Stop()
	sweeper.Stop()
}
