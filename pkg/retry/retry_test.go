package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refdata/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.ErrConnectionTimeout
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.ErrStorageUnavailable
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, stderrors.Is(err, errors.ErrStorageUnavailable))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_StopsOnFatalAndInvalid(t *testing.T) {
	for _, failure := range []error{
		errors.WrapFatal(errors.ErrContractViolation, "Compiler", "Compile", "map operator"),
		errors.WrapInvalid(fmt.Errorf("bad bucket"), "Store", "New", "validate"),
	} {
		calls := 0
		err := Do(context.Background(), fastConfig(5), func() error {
			calls++
			return failure
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second}

	calls := 0
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.ErrConnectionLost
	})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.True(t, stderrors.Is(err, errors.ErrConnectionLost))
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	require.Error(t, err)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func() error {
		calls++
		return errors.ErrConnectionLost
	})
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.ErrNoConnection
		}
		return "bucket", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "bucket", got)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 10, Startup().MaxAttempts)
	assert.True(t, Startup().AddJitter)
}
