package emitter

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEmitter() *Emitter {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

func TestEmitInvokesAllListeners(t *testing.T) {
	e := newTestEmitter()

	var calls atomic.Int64
	e.On("metric", func(payload any) { calls.Add(1) })
	e.On("metric", func(payload any) { calls.Add(1) })

	e.Emit("metric", "x")
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmitWaitsForSlowListeners(t *testing.T) {
	e := newTestEmitter()

	var done atomic.Bool
	e.On("metric", func(payload any) {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})

	e.Emit("metric", nil)
	assert.True(t, done.Load(), "Emit must not return before listeners complete")
}

func TestOnDeduplicatesIdenticalListener(t *testing.T) {
	e := newTestEmitter()

	var calls atomic.Int64
	listener := func(payload any) { calls.Add(1) }

	e.On("metric", listener)
	e.On("metric", listener) // second registration is a no-op

	assert.Equal(t, 1, e.ListenerCount("metric"))

	e.Emit("metric", nil)
	assert.Equal(t, int64(1), calls.Load())
}

func TestOffRemovesListener(t *testing.T) {
	e := newTestEmitter()

	var calls atomic.Int64
	listener := func(payload any) { calls.Add(1) }

	e.On("metric", listener)
	e.Off("metric", listener)
	e.Emit("metric", nil)

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, 0, e.ListenerCount("metric"))
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	e := newTestEmitter()

	var calls atomic.Int64
	e.On("metric", func(payload any) { panic("listener fault") })
	e.On("metric", func(payload any) { calls.Add(1) })

	// Must neither panic the caller nor suppress the sibling listener.
	e.Emit("metric", nil)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRemoveAllListeners(t *testing.T) {
	e := newTestEmitter()

	e.On("metric", func(payload any) {})
	e.On("plan_event", func(payload any) {})

	e.RemoveAllListeners("metric")
	assert.Equal(t, 0, e.ListenerCount("metric"))
	assert.Equal(t, 1, e.ListenerCount("plan_event"))

	e.RemoveAllListeners()
	assert.Equal(t, 0, e.ListenerCount("plan_event"))
}

func TestEmitWithNoListeners(t *testing.T) {
	e := newTestEmitter()
	e.Emit("metric", "ignored") // must not panic
}

func TestConcurrentRegistrationAndEmit(t *testing.T) {
	e := newTestEmitter()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.On("metric", func(payload any) {})
			e.Emit("metric", nil)
		}()
		go func() {
			defer wg.Done()
			e.RemoveAllListeners("metric")
		}()
	}
	wg.Wait()
}
