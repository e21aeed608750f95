package daq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heatctl/pkg/config"
)

func newConnectedMock(t *testing.T) *Mock {
	t.Helper()
	cfg := config.Default()
	cfg.Mock.NoiseLevel = 0
	cfg.Mock.Latency = time.Millisecond
	m := NewMock(cfg)
	require.NoError(t, m.Connect())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestArbiter_Exclusive(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := arb.Do(context.Background(), func(a *Access) error {
					_, err := a.AnalogRead(ch, true)
					return err
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.MaxConcurrent())
}

func TestArbiter_Timeout(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, 20*time.Millisecond)

	held, err := arb.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = arb.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(err, ErrDevice))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	held.Release()
	acc, err := arb.Acquire(context.Background())
	require.NoError(t, err)
	acc.Release()
}

func TestArbiter_ContextCanceled(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, 0)

	held, err := arb.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = arb.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAccess_ReleaseIdempotent(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, 20*time.Millisecond)

	acc, err := arb.Acquire(context.Background())
	require.NoError(t, err)
	acc.Release()
	acc.Release()

	_, err = acc.AnalogRead(0, false)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, acc.DigitalWrite(6, true), ErrReleased)
	_, err = acc.DigitalRead(6)
	assert.ErrorIs(t, err, ErrReleased)

	// A double release must not free a grant held by someone else.
	other, err := arb.Acquire(context.Background())
	require.NoError(t, err)
	acc.Release()
	_, err = arb.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	other.Release()
}

func TestArbiter_DoReleasesOnPanic(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, 20*time.Millisecond)

	assert.Panics(t, func() {
		_ = arb.Do(context.Background(), func(*Access) error {
			panic("boom")
		})
	})

	err := arb.Do(context.Background(), func(a *Access) error {
		return a.DigitalWrite(6, false)
	})
	assert.NoError(t, err)
}

func TestArbiter_DeviceError(t *testing.T) {
	m := newConnectedMock(t)
	arb := NewArbiter(m, time.Second)
	m.FailReads(3, 1)

	err := arb.Do(context.Background(), func(a *Access) error {
		_, err := a.AnalogRead(3, true)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, ErrInjected)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, 3, devErr.Channel)
	assert.Equal(t, "analog read", devErr.Op)

	// the failure is not retried and does not stick
	err = arb.Do(context.Background(), func(a *Access) error {
		_, err := a.AnalogRead(3, true)
		return err
	})
	assert.NoError(t, err)
}
