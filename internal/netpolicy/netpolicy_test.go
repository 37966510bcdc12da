package netpolicy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bvc-project/bvc/internal/errs"
	"github.com/bvc-project/bvc/internal/netpolicy"
)

func Test_Backoff_MatchesSpecFormula(t *testing.T) {
	t.Parallel()

	p := netpolicy.RetryPolicy{InitialDelay: time.Second, MaxDelay: 15 * time.Second, Exponential: true}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 15 * time.Second}, // capped
		{6, 15 * time.Second},
	}

	for _, tc := range cases {
		got := netpolicy.Backoff(p, tc.attempt)
		require.Equal(t, tc.want, got, "attempt %d", tc.attempt)
	}
}

func Test_Classify_Sentinels(t *testing.T) {
	t.Parallel()

	require.Equal(t, netpolicy.ClassTransient, netpolicy.Classify(errs.Wrap(errs.ErrTimeout, "call")))
	require.Equal(t, netpolicy.ClassPermanent, netpolicy.Classify(errs.Wrap(errs.ErrPermanent, "denied")))
	require.Equal(t, netpolicy.ClassPermanent, netpolicy.Classify(errs.Wrap(errs.ErrAlreadyLocked, "p")))
	require.Equal(t, netpolicy.ClassTransient, netpolicy.Classify(errors.New("connection reset by peer")))
	require.Equal(t, netpolicy.ClassPermanent, netpolicy.Classify(errors.New("404 not found")))
	require.Equal(t, netpolicy.ClassUnknown, netpolicy.Classify(errors.New("something odd happened")))
}

func Test_Retry_StopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	err := netpolicy.Retry(context.Background(), netpolicy.LockPolicy(), func(attempt int) error {
		calls++
		return errs.Wrap(errs.ErrPermanent, "denied")
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func Test_Retry_ExhaustsTransientAttempts(t *testing.T) {
	t.Parallel()

	p := netpolicy.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Exponential: true}

	calls := 0
	err := netpolicy.Retry(context.Background(), p, func(attempt int) error {
		calls++
		return errs.Wrap(errs.ErrTransient, "timeout")
	})

	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func Test_Retry_SucceedsEventually(t *testing.T) {
	t.Parallel()

	p := netpolicy.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Exponential: true}

	calls := 0
	err := netpolicy.Retry(context.Background(), p, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errs.Wrap(errs.ErrTransient, "timeout")
		}

		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func Test_ConnectivityProbe_ReportsOnlineAndOffline(t *testing.T) {
	t.Parallel()

	online := netpolicy.NewConnectivityProbe("test-online", func(ctx context.Context) error { return nil })
	status, _ := online.Probe(context.Background())
	require.Equal(t, netpolicy.Online, status)

	offline := netpolicy.NewConnectivityProbe("test-offline", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	status, _ = offline.Probe(context.Background())
	require.Equal(t, netpolicy.Offline, status)
}
