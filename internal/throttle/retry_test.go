package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// testController paces nothing so tests only exercise the retry logic.
func testController() *Controller {
	return New(Config{Classes: map[mantis.RequestClass]ClassConfig{
		mantis.ClassListPage:    {RPS: 0, MaxInFlight: 4},
		mantis.ClassIssueDetail: {RPS: 0, MaxInFlight: 4},
	}})
}

type fakeRefresher struct {
	calls   int
	session mantis.Session
	err     error
}

func (f *fakeRefresher) Refresh(context.Context) (mantis.Session, error) {
	f.calls++
	return f.session, f.err
}

func TestBackoffBounded(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	c := testController()
	calls := 0
	err := c.Do(context.Background(), mantis.ClassListPage, testPolicy(), nil,
		func(context.Context, *mantis.Session) error {
			calls++
			if calls < 3 {
				return &mantis.StatusError{URL: "u", StatusCode: 503}
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsTransientBudget(t *testing.T) {
	t.Parallel()

	c := testController()
	calls := 0
	err := c.Do(context.Background(), mantis.ClassListPage, testPolicy(), nil,
		func(context.Context, *mantis.Session) error {
			calls++
			return &mantis.StatusError{URL: "u", StatusCode: 500}
		})
	require.Error(t, err)
	require.Equal(t, 3, calls)

	var statusErr *mantis.StatusError
	require.ErrorAs(t, err, &statusErr)
}

func TestDoFatalErrorNotRetried(t *testing.T) {
	t.Parallel()

	c := testController()
	calls := 0
	wantErr := &mantis.ParseError{URL: "u", Reason: "bad html"}
	err := c.Do(context.Background(), mantis.ClassIssueDetail, testPolicy(), nil,
		func(context.Context, *mantis.Session) error {
			calls++
			return wantErr
		})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestDoAuthTriggersSingleRefresh(t *testing.T) {
	t.Parallel()

	c := testController()
	refresher := &fakeRefresher{session: mantis.Session{
		Cookies: []mantis.Cookie{{Name: "MANTIS_STRING_COOKIE", Value: "fresh"}},
	}}

	calls := 0
	var seen *mantis.Session
	err := c.Do(context.Background(), mantis.ClassListPage, testPolicy(), refresher,
		func(_ context.Context, refreshed *mantis.Session) error {
			calls++
			if calls == 1 {
				return mantis.ErrSessionExpired
			}
			seen = refreshed
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, refresher.calls)
	require.NotNil(t, seen)
	require.Equal(t, "fresh", seen.Cookie("MANTIS_STRING_COOKIE"))
}

func TestDoSecondAuthFailureIsFatal(t *testing.T) {
	t.Parallel()

	c := testController()
	refresher := &fakeRefresher{}
	calls := 0
	err := c.Do(context.Background(), mantis.ClassListPage, testPolicy(), refresher,
		func(context.Context, *mantis.Session) error {
			calls++
			return mantis.ErrSessionExpired
		})
	require.ErrorIs(t, err, mantis.ErrAuthenticationFailed)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, refresher.calls)
}

func TestDoRefreshFailureIsFatal(t *testing.T) {
	t.Parallel()

	c := testController()
	refresher := &fakeRefresher{err: errors.New("browser closed")}
	err := c.Do(context.Background(), mantis.ClassListPage, testPolicy(), refresher,
		func(context.Context, *mantis.Session) error {
			return &mantis.StatusError{URL: "u", StatusCode: 401}
		})
	require.ErrorIs(t, err, mantis.ErrAuthenticationFailed)
	require.Equal(t, 1, refresher.calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	c := testController()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.Do(ctx, mantis.ClassListPage, testPolicy(), nil,
		func(context.Context, *mantis.Session) error {
			calls++
			cancel()
			return &mantis.StatusError{URL: "u", StatusCode: 503}
		})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
