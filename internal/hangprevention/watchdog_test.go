package hangprevention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBuildMonitor() *Monitor {
	d := DefaultDeadlines()
	d.Build = 10 * time.Millisecond
	return NewMonitorWithDeadlines(d)
}

func TestWatchdogTimedOutFiresAfterDeadline(t *testing.T) {
	m := fastBuildMonitor()
	w, err := m.Start(KindBuild)
	require.NoError(t, err)

	require.Eventually(t, w.TimedOut, time.Second, time.Millisecond)

	select {
	case <-w.Done():
	default:
		t.Fatal("Done channel should be closed once the deadline fires")
	}
}

func TestCancelAfterTimeoutDoesNotResetConsecutiveStreak(t *testing.T) {
	m := fastBuildMonitor()

	for i := 0; i < 3; i++ {
		w, err := m.Start(KindBuild)
		require.NoError(t, err)
		require.Eventually(t, w.TimedOut, time.Second, time.Millisecond)
		w.Cancel() // deferred by callers regardless of outcome; must not erase the timeout
	}

	assert.Equal(t, StateDegraded, m.State())
}

func TestCancelBeforeDeadlineRecordsSuccess(t *testing.T) {
	m := NewMonitor()

	w, err := m.Start(KindBuild)
	require.NoError(t, err)
	w.Cancel()
	assert.False(t, w.TimedOut())

	select {
	case <-w.Done():
	default:
		t.Fatal("Done channel should be closed after Cancel")
	}
}

func TestDegradedRejectsSubsequentBuildButNotReadOrSearch(t *testing.T) {
	m := fastBuildMonitor()
	for i := 0; i < 3; i++ {
		w, err := m.Start(KindBuild)
		require.NoError(t, err)
		require.Eventually(t, w.TimedOut, time.Second, time.Millisecond)
		w.Cancel()
	}
	require.Equal(t, StateDegraded, m.State())

	_, err := m.Start(KindBuild)
	require.Error(t, err)

	_, err = m.Start(KindRead)
	require.NoError(t, err)
	_, err = m.Start(KindSearch)
	require.NoError(t, err)
}
