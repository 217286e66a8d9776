package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mantiscan/mantiscan/internal/mantis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

type fakeLogin struct {
	calls   atomic.Int64
	block   chan struct{}
	session mantis.Session
	err     error
}

func (f *fakeLogin) Login(context.Context) (mantis.Session, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.session, f.err
}

func freshSession(value string) mantis.Session {
	return mantis.Session{Cookies: []mantis.Cookie{{Name: "MANTIS_STRING_COOKIE", Value: value}}}
}

func newTestStore(t *testing.T, login LoginFlow) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(Config{
		CookieFile: filepath.Join(dir, "cookies.json"),
		HistoryDir: filepath.Join(dir, "history"),
	}, login, nil, newFakeClock(), nil)
	require.NoError(t, err)
	return store, dir
}

func TestCurrentEmptyIsExpired(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, &fakeLogin{})
	_, err := store.Current()
	require.ErrorIs(t, err, mantis.ErrSessionExpired)
}

func TestCurrentRespectsExpiryHint(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{session: freshSession("v1")}
	login.session.ExpiresHint = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	store, _ := newTestStore(t, login)
	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	_, err = store.Current()
	require.ErrorIs(t, err, mantis.ErrSessionExpired)
}

func TestRefreshInstallsAndPersists(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{session: freshSession("v1")}
	store, dir := newTestStore(t, login)

	got, err := store.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1", got.Cookie("MANTIS_STRING_COOKIE"))
	require.False(t, got.ValidatedAt.IsZero())

	current, err := store.Current()
	require.NoError(t, err)
	require.Equal(t, "v1", current.Cookie("MANTIS_STRING_COOKIE"))

	// The cookie file must be loadable by a new store.
	reloaded, err := NewStore(Config{CookieFile: filepath.Join(dir, "cookies.json")}, nil, nil, newFakeClock(), nil)
	require.NoError(t, err)
	current, err = reloaded.Current()
	require.NoError(t, err)
	require.Equal(t, "v1", current.Cookie("MANTIS_STRING_COOKIE"))
}

func TestRefreshBacksUpPriorSession(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{session: freshSession("v1")}
	store, dir := newTestStore(t, login)

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	login.session = freshSession("v2")
	_, err = store.Refresh(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "history"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The history entry holds the replaced session, never the incoming one.
	raw, err := os.ReadFile(filepath.Join(dir, "history", entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(raw), "v1")
	require.NotContains(t, string(raw), "v2")
}

func TestRefreshSingleFlight(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{session: freshSession("v1"), block: make(chan struct{})}
	store, _ := newTestStore(t, login)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Refresh(context.Background())
			results <- err
		}()
	}

	// Let the callers pile up behind the single in-flight login.
	require.Eventually(t, func() bool {
		return login.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(login.block)
	wg.Wait()

	close(results)
	for err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), login.calls.Load())
}

func TestRefreshLoginFailure(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{err: os.ErrDeadlineExceeded}
	store, _ := newTestStore(t, login)

	_, err := store.Refresh(context.Background())
	require.ErrorIs(t, err, mantis.ErrAuthenticationFailed)

	_, err = store.Current()
	require.ErrorIs(t, err, mantis.ErrSessionExpired)
}

func TestCurrentReturnsCopy(t *testing.T) {
	t.Parallel()

	login := &fakeLogin{session: freshSession("v1")}
	store, _ := newTestStore(t, login)
	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	first, err := store.Current()
	require.NoError(t, err)
	first.Cookies[0].Value = "mutated"

	second, err := store.Current()
	require.NoError(t, err)
	require.Equal(t, "v1", second.Cookie("MANTIS_STRING_COOKIE"))
}
