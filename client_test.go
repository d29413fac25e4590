package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuftrust/client/tuf"
)

func newTestEngine(t *testing.T) *tuf.Engine {
	t.Helper()
	cacheDir := t.TempDir()
	sourceDir := t.TempDir()
	repo, err := tuf.NewDirRepository(cacheDir, sourceDir, tuf.Settings{LocalRepoPath: cacheDir}, nil)
	require.NoError(t, err)
	engine, err := tuf.NewEngine(repo, tuf.Settings{LocalRepoPath: cacheDir}, nil)
	require.NoError(t, err)
	return engine
}

func TestNewRejectsNilEngine(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestNewAppliesDefaultFrequency(t *testing.T) {
	engine := newTestEngine(t)
	c, err := New(engine)
	require.NoError(t, err)
	assert.Equal(t, defaultCheckFrequency, c.checkFrequency)
}

func TestNewRejectsFrequencyBelowMinimum(t *testing.T) {
	engine := newTestEngine(t)
	_, err := New(engine, Frequency(time.Minute))
	assert.Equal(t, ErrCheckFrequency, err)
}

func TestNewAcceptsCustomFrequencyAndNotificationHandler(t *testing.T) {
	engine := newTestEngine(t)
	var handlerCalled bool
	handler := func(evts Events) { handlerCalled = true }

	c, err := New(engine, Frequency(30*time.Minute), WantNotifications(handler))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, c.checkFrequency)

	// refreshOnce always invokes the notification handler, win or lose.
	c.refreshOnce(time.Now())
	assert.True(t, handlerCalled)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	engine := newTestEngine(t)
	c, err := New(engine, Frequency(time.Hour))
	require.NoError(t, err)
	c.Start()
	c.Stop()
}

func TestEventsPushRecordsHistory(t *testing.T) {
	var evts Events
	now := time.Now()
	evts.push(now, InfoType, "did %s", "something")
	require.Len(t, evts.History, 1)
	assert.Equal(t, InfoType, evts.History[0].Type)
	assert.Equal(t, "did something", evts.History[0].Description)
}

func TestRefreshOnceRecordsFailureEventWhenRepositoryEmpty(t *testing.T) {
	// The source directory has no metadata at all, so Refresh must fail
	// and the handler must still observe an ErrorType event rather than
	// no event at all.
	engine := newTestEngine(t)
	c, err := New(engine)
	require.NoError(t, err)

	var captured Events
	c.notificationHandler = func(evts Events) { captured = evts }
	c.refreshOnce(time.Now())

	require.NotEmpty(t, captured.History)
	last := captured.History[len(captured.History)-1]
	assert.Equal(t, ErrorType, last.Type)
}
