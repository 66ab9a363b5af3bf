package safe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_RecoversPanic(t *testing.T) {
	err := Call(context.Background(), func(ctx context.Context) error {
		panic("saga step exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saga step exploded")
}

func TestEvery_SurvivesPanicAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs int32
	done := make(chan struct{})
	go func() {
		Every(ctx, "test", 5*time.Millisecond, func(ctx context.Context) {
			if atomic.AddInt32(&runs, 1) == 1 {
				panic("first run")
			}
		})
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Every did not stop after cancel")
	}
}
