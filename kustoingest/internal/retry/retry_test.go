package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) SimplePolicy {
	return SimplePolicy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func transientErr() error {
	return errors.ES(errors.OpIngestStream, errors.KTimeout, "transient failure")
}

func permanentErr() error {
	return errors.ES(errors.OpIngestStream, errors.KClientArgs, "permanent failure").SetNoRetry()
}

func TestRunSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	ok, err := Run(context.Background(), fastPolicy(3), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return nil
	}, nil, nil, true)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	retries := 0
	ok, err := Run(context.Background(), fastPolicy(3), func(_ context.Context, _ int) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	}, func(_ int, _ error, permanent bool) Decision {
		assert.False(t, permanent)
		return Continue
	}, func(_ int, _ error, _ bool) {
		retries++
	}, true)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRunExhaustion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc             string
		throwOnExhausted bool
		wantErr          bool
	}{
		{desc: "throw on exhausted surfaces the last error", throwOnExhausted: true, wantErr: true},
		{desc: "no throw on exhausted returns nil for fallback", throwOnExhausted: false, wantErr: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.desc, func(t *testing.T) {
			t.Parallel()

			calls := 0
			ok, err := Run(context.Background(), fastPolicy(3), func(_ context.Context, _ int) error {
				calls++
				return transientErr()
			}, nil, nil, test.throwOnExhausted)

			assert.False(t, ok)
			assert.Equal(t, 3, calls)
			if test.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRunBreakAndThrow(t *testing.T) {
	t.Parallel()

	calls := 0
	ok, err := Run(context.Background(), fastPolicy(3), func(_ context.Context, _ int) error {
		calls++
		return permanentErr()
	}, func(_ int, _ error, permanent bool) Decision {
		assert.True(t, permanent)
		return Break
	}, nil, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)

	calls = 0
	ok, err = Run(context.Background(), fastPolicy(3), func(_ context.Context, _ int) error {
		calls++
		return permanentErr()
	}, func(_ int, _ error, _ bool) Decision {
		return Throw
	}, nil, true)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = Run(ctx, SimplePolicy{Attempts: 5, BaseDelay: time.Hour}, func(_ context.Context, _ int) error {
			return transientErr()
		}, nil, nil, true)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not honor cancellation")
	}

	require.Error(t, runErr)
	var kustoErr *errors.Error
	require.ErrorAs(t, runErr, &kustoErr)
	assert.Equal(t, errors.KTimeout, kustoErr.Kind)
}

func TestSimplePolicySchedule(t *testing.T) {
	t.Parallel()

	p := SimplePolicy{Attempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: time.Second}
	sched := p.Backoff()

	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := sched.NextBackOff()
		assert.GreaterOrEqual(t, d, base, "attempt %d", i+1)
		assert.Less(t, d, base+time.Second, "attempt %d", i+1)
	}

	// The cap applies before jitter.
	capped := SimplePolicy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	sched = capped.Backoff()
	sched.NextBackOff()
	sched.NextBackOff()
	assert.Equal(t, 2*time.Second, sched.NextBackOff())
}

func TestCustomPolicySchedule(t *testing.T) {
	t.Parallel()

	p := CustomPolicy{Delays: []time.Duration{time.Millisecond, 2 * time.Millisecond}}
	assert.Equal(t, 3, p.MaxAttempts())

	sched := p.Backoff()
	assert.Equal(t, time.Millisecond, sched.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, sched.NextBackOff())
	assert.Equal(t, backoff.Stop, sched.NextBackOff())

	sched.Reset()
	assert.Equal(t, time.Millisecond, sched.NextBackOff())

	calls := 0
	ok, err := Run(context.Background(), p, func(_ context.Context, _ int) error {
		calls++
		return fmt.Errorf("plain error")
	}, nil, nil, true)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
