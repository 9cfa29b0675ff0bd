package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/mongobackup/internal/backuperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStep_SucceedsFirstTry(t *testing.T) {
	rb := &RollbackLog{}
	calls := 0
	err := RunStep(context.Background(), "stop_balancer", 2, rb, NoopMetrics{}, zerolog.Nop(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunStep_RetriesThenSucceeds(t *testing.T) {
	rb := &RollbackLog{}
	calls := 0
	start := time.Now()
	err := RunStep(context.Background(), "stop_balancer", 3, rb, NoopMetrics{}, zerolog.Nop(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), RetryBackoff)
}

func TestRunStep_ExhaustsAttemptsAndRollsBack(t *testing.T) {
	rb := &RollbackLog{}
	var rolledBack bool
	rb.Push(RollbackStep{Name: "start_balancer", Fn: func(ctx context.Context) error {
		rolledBack = true
		return nil
	}})

	calls := 0
	err := RunStep(context.Background(), "stop_balancer", 2, rb, NoopMetrics{}, zerolog.Nop(), func(ctx context.Context) error {
		calls++
		return errors.New("permanent")
	})

	require.Error(t, err)
	var be *backuperr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backuperr.KindAborted, be.Kind)
	assert.Equal(t, 2, calls)
	assert.True(t, rolledBack)
}

func TestRunStep_RollbackStepFailureDoesNotStopDrain(t *testing.T) {
	rb := &RollbackLog{}
	var secondRan bool
	rb.Push(RollbackStep{Name: "second", Fn: func(ctx context.Context) error {
		secondRan = true
		return nil
	}})
	rb.Push(RollbackStep{Name: "first", Fn: func(ctx context.Context) error {
		return errors.New("rollback itself failed")
	}})

	err := RunStep(context.Background(), "phase", 1, rb, NoopMetrics{}, zerolog.Nop(), func(ctx context.Context) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.True(t, secondRan, "rollback must continue past a failing step")
}
