package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingStore struct {
	Store
	sweeps chan struct{}
	err    error
}

func (c *countingStore) SweepStale(context.Context) (int64, error) {
	select {
	case c.sweeps <- struct{}{}:
	default:
	}
	return 1, c.err
}

func TestSweeperRunsOnInterval(testContext *testing.T) {
	store := &countingStore{sweeps: make(chan struct{}, 4)}
	sweeper := NewSweeper(store, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		finished <- sweeper.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-store.sweeps:
		case <-time.After(2 * time.Second):
			testContext.Fatalf("sweeper did not run")
		}
	}
	cancel()
	if err := <-finished; err != nil {
		testContext.Fatalf("sweeper returned error: %v", err)
	}
}

func TestSweeperLogsFailures(testContext *testing.T) {
	core, recorded := observer.New(zap.WarnLevel)
	store := &countingStore{sweeps: make(chan struct{}, 1), err: errors.New("redis down")}
	sweeper := NewSweeper(store, time.Hour, zap.New(core))

	sweeper.sweepOnce(context.Background())
	if recorded.FilterMessage("presence sweep failed").Len() != 1 {
		testContext.Fatalf("expected sweep failure to be logged")
	}
}
