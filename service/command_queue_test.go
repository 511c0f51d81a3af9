package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/models"
)

// fakeExecutor records executed commands and can fail or block on demand.
type fakeExecutor struct {
	mu          sync.Mutex
	executed    []string // "deviceID/type"
	failType    string
	block       chan struct{} // when set, first blockDevice command blocks until closed
	blockDevice string
	blocked     atomic.Bool

	inflight   atomic.Int32
	overlapped atomic.Bool
}

func (f *fakeExecutor) Execute(_ context.Context, deviceID string, cmd *models.DeviceCommand) error {
	if f.inflight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inflight.Add(-1)

	if f.block != nil && (f.blockDevice == "" || f.blockDevice == deviceID) && f.blocked.CompareAndSwap(false, true) {
		<-f.block
	}

	f.mu.Lock()
	f.executed = append(f.executed, deviceID+"/"+cmd.Type)
	f.mu.Unlock()

	if f.failType != "" && cmd.Type == f.failType {
		return errors.New("injection exploded")
	}
	return nil
}

func (f *fakeExecutor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func tapRequest(x, y int) models.CommandRequest {
	return models.CommandRequest{
		Type:           models.CmdTap,
		CommandPayload: models.CommandPayload{X: intPtr(x), Y: intPtr(y)},
	}
}

func TestEnqueueExecutesInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()

	for i := 0; i < 5; i++ {
		_, err := m.Enqueue("dev1", tapRequest(i, i))
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})

	assert.Equal(t, []string{"dev1/tap", "dev1/tap", "dev1/tap", "dev1/tap", "dev1/tap"}, exec.snapshot())
	assert.False(t, exec.overlapped.Load(), "commands for one device must never overlap")

	history := m.ListCommands("dev1", 10)
	require.Len(t, history, 5)
	for _, cmd := range history {
		assert.Equal(t, models.CommandDone, cmd.Status)
		assert.NotNil(t, cmd.StartedAt)
		assert.NotNil(t, cmd.FinishedAt)
	}
}

func TestQueuesAreIsolatedPerDevice(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := m.Enqueue("dev1", tapRequest(i, i))
		require.NoError(t, err)
		_, err = m.Enqueue("dev2", tapRequest(i, i))
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool {
		s1, ok1 := m.Status("dev1")
		s2, ok2 := m.Status("dev2")
		return ok1 && ok2 && s1.Pending == 0 && s2.Pending == 0
	})

	// Per-device order is preserved even though devices interleave
	var dev1, dev2 int
	for _, entry := range exec.snapshot() {
		switch entry {
		case "dev1/tap":
			dev1++
		case "dev2/tap":
			dev2++
		}
	}
	assert.Equal(t, 3, dev1)
	assert.Equal(t, 3, dev2)
}

func TestStuckDeviceDoesNotDelayOthers(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{block: release, blockDevice: "dev1"}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()
	defer close(release)

	_, err := m.Enqueue("dev1", tapRequest(0, 0))
	require.NoError(t, err)
	_, err = m.Enqueue("dev2", tapRequest(0, 0))
	require.NoError(t, err)

	// dev2 completes while dev1's command is still stuck
	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev2")
		return ok && status.Pending == 0
	})
	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Status == models.SessionRunning
	})
}

func TestFailedCommandDoesNotStopQueue(t *testing.T) {
	exec := &fakeExecutor{failType: models.CmdKeyEvent}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()

	_, err := m.Enqueue("dev1", models.CommandRequest{
		Type:           models.CmdKeyEvent,
		CommandPayload: models.CommandPayload{Keycode: strPtr("KEYCODE_HOME")},
	})
	require.NoError(t, err)
	_, err = m.Enqueue("dev1", tapRequest(1, 1))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})

	history := m.ListCommands("dev1", 10)
	require.Len(t, history, 2)
	// Most recent first
	assert.Equal(t, models.CommandDone, history[0].Status)
	assert.Equal(t, models.CommandFailed, history[1].Status)
	assert.Contains(t, history[1].Error, "injection exploded")

	status, ok := m.Status("dev1")
	require.True(t, ok)
	assert.Contains(t, status.LastError, "injection exploded")
}

func TestClearQueueLetsRunningCommandFinish(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{block: release}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()

	first, err := m.Enqueue("dev1", tapRequest(0, 0))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue("dev1", tapRequest(i, i))
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.CurrentCommandID == first.ID
	})

	assert.Equal(t, 3, m.ClearQueue("dev1"))
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})

	// Only the in-flight command ran
	assert.Equal(t, []string{"dev1/tap"}, exec.snapshot())
	assert.Equal(t, models.CommandDone, first.Status)
}

func TestEnqueueRejectsInvalidCommand(t *testing.T) {
	m := NewSessionManager(&fakeExecutor{}, nil, 50)
	defer m.Shutdown()

	_, err := m.Enqueue("dev1", models.CommandRequest{Type: models.CmdTap})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	_, err = m.Enqueue("dev1", models.CommandRequest{Type: "teleport"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCommand))

	// Nothing was queued
	status, ok := m.Status("dev1")
	require.True(t, ok)
	assert.Equal(t, 0, status.Pending)
}

func TestUnavailableDeviceHoldsQueue(t *testing.T) {
	var online atomic.Bool
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, func(string) bool { return online.Load() }, 50)
	defer m.Shutdown()

	_, err := m.Enqueue("dev1", tapRequest(1, 2))
	require.NoError(t, err)

	// Worker polls availability; give it time to (not) act
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, exec.snapshot())
	status, ok := m.Status("dev1")
	require.True(t, ok)
	assert.Equal(t, 1, status.Pending, "command stays queued while device is unavailable")

	online.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})
	assert.Equal(t, []string{"dev1/tap"}, exec.snapshot())
}

func TestTouchSequenceRunsToCompletion(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, nil, 50)
	defer m.Shutdown()

	down := models.CommandRequest{Type: models.CmdTouchDown,
		CommandPayload: models.CommandPayload{X: intPtr(100), Y: intPtr(200)}}
	move := models.CommandRequest{Type: models.CmdTouchMove,
		CommandPayload: models.CommandPayload{X: intPtr(150), Y: intPtr(250)}}
	up := models.CommandRequest{Type: models.CmdTouchUp,
		CommandPayload: models.CommandPayload{X: intPtr(150), Y: intPtr(250)}}

	for _, req := range []models.CommandRequest{down, move, up} {
		_, err := m.Enqueue("dev1", req)
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0 && status.Status == models.SessionIdle
	})
	assert.Equal(t, []string{"dev1/touch_down", "dev1/touch_move", "dev1/touch_up"}, exec.snapshot())
}

func TestCloseForgetsSession(t *testing.T) {
	m := NewSessionManager(&fakeExecutor{}, nil, 50)
	defer m.Shutdown()

	_, err := m.Enqueue("dev1", tapRequest(1, 1))
	require.NoError(t, err)

	assert.True(t, m.Close("dev1"))
	_, ok := m.Status("dev1")
	assert.False(t, ok)

	assert.False(t, m.Close("dev1"), "closing twice reports no session")
	assert.False(t, m.Close("ghost"))
}

func TestHistoryTrimsToLimit(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, nil, 3)
	defer m.Shutdown()

	for i := 0; i < 6; i++ {
		_, err := m.Enqueue("dev1", tapRequest(i, i))
		require.NoError(t, err)
	}
	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})
	assert.Len(t, m.ListCommands("dev1", 10), 3)
}

func TestGetCommandByID(t *testing.T) {
	exec := &fakeExecutor{}
	m := NewSessionManager(exec, nil, 3)
	defer m.Shutdown()

	cmd, err := m.Enqueue("dev1", tapRequest(10, 20))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		got, ok := m.GetCommand("dev1", cmd.ID)
		return ok && got.Status == models.CommandDone
	})

	_, ok := m.GetCommand("dev1", "no-such-command")
	assert.False(t, ok)
	_, ok = m.GetCommand("dev2", cmd.ID)
	assert.False(t, ok)

	// Enough traffic to push the first command out of the history window
	for i := 0; i < 4; i++ {
		_, err := m.Enqueue("dev1", tapRequest(i, i))
		require.NoError(t, err)
	}
	waitFor(t, 2*time.Second, func() bool {
		status, ok := m.Status("dev1")
		return ok && status.Pending == 0
	})
	_, ok = m.GetCommand("dev1", cmd.ID)
	assert.False(t, ok)
}
