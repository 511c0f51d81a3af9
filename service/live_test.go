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

type fakeTransportConn struct {
	bytes  atomic.Uint64
	frames atomic.Uint64
	closes atomic.Int32
}

func (c *fakeTransportConn) Stats() (uint64, uint64) { return c.bytes.Load(), c.frames.Load() }
func (c *fakeTransportConn) Close()                  { c.closes.Add(1) }

// fakeTransport fails a configurable number of dials, then succeeds and
// captures the event callback so tests can drive transport events.
type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int
	failWith error
	conns    []*fakeTransportConn
	onEvents []func(TransportEvent)
}

func (f *fakeTransport) Dial(_ context.Context, _ string, onEvent func(TransportEvent)) (TransportConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failures > 0 {
		f.failures--
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, errors.New("ice flaked")
	}
	conn := &fakeTransportConn{}
	f.conns = append(f.conns, conn)
	f.onEvents = append(f.onEvents, onEvent)
	return conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) emit(i int, ev TransportEvent) {
	f.mu.Lock()
	onEvent := f.onEvents[i]
	f.mu.Unlock()
	onEvent(ev)
}

// fakeSessionControl always reports a running session with video unless
// told otherwise, and records Start and Restart calls.
type fakeSessionControl struct {
	mu       sync.Mutex
	status   models.StreamSessionStatus
	starts   []*models.StreamConfigPatch
	restarts []*models.StreamConfigPatch
	err      error
}

func newRunningSessions() *fakeSessionControl {
	return &fakeSessionControl{status: models.StreamSessionStatus{
		Status: models.StreamRunning,
		Config: models.StreamSessionConfig{Video: true},
	}}
}

func (f *fakeSessionControl) GetStatus(string) models.StreamSessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSessionControl) Start(_ string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, patch)
	if f.err != nil {
		return f.status, f.err
	}
	f.status = models.StreamSessionStatus{
		Status: models.StreamRunning,
		Config: models.StreamSessionConfig{Video: true},
	}
	return f.status, nil
}

func (f *fakeSessionControl) Restart(_ string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, patch)
	if f.err != nil {
		return f.status, f.err
	}
	f.status = models.StreamSessionStatus{
		Status: models.StreamRunning,
		Config: models.StreamSessionConfig{Video: true},
	}
	return f.status, nil
}

func newTestCoordinator(transport TransportFactory, sessions SessionControl, mjpeg bool) *LiveCoordinator {
	return NewLiveCoordinator(transport, sessions, mjpeg, "/api/stream",
		50*time.Millisecond, 2, time.Millisecond, 10*time.Millisecond)
}

func TestConnectNegotiatesWebRTC(t *testing.T) {
	transport := &fakeTransport{}
	l := NewLiveCoordinator(transport, newRunningSessions(), true, "/api/stream",
		0, 2, time.Millisecond, 10*time.Millisecond)
	defer l.TeardownAll()

	conn, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, models.LiveModeWebRTC, conn.Mode)
	assert.Equal(t, LiveConnecting, conn.Status)
	assert.Equal(t, 1, transport.dialCount())

	transport.emit(0, TransportEvent{Kind: TransportConnected})
	assert.Equal(t, LiveActive, l.Status("dev1").Status)
}

func TestConnectRetriesThenFallsBack(t *testing.T) {
	transport := &fakeTransport{failures: 10}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	conn, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 3, transport.dialCount(), "initial attempt plus two retries")
	assert.Equal(t, models.LiveModeMJPEG, conn.Mode)
	assert.Equal(t, LiveActive, conn.Status)
	assert.Contains(t, conn.MJPEGURL, "/api/stream/dev1/mjpeg?t=")
	assert.NotEmpty(t, conn.LastError)
}

func TestNotAvailableSkipsRetries(t *testing.T) {
	transport := &fakeTransport{failures: 10, failWith: ErrNotAvailable}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	conn, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, transport.dialCount(), "missing capability must not be retried")
	assert.Equal(t, models.LiveModeMJPEG, conn.Mode)
}

func TestNoFallbackMeansNoLiveConnection(t *testing.T) {
	transport := &fakeTransport{failures: 10}
	l := newTestCoordinator(transport, newRunningSessions(), false)
	defer l.TeardownAll()

	conn, err := l.Connect(context.Background(), "dev1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNegotiationFailed))
	assert.Equal(t, models.LiveModeNone, conn.Mode)
	assert.Equal(t, LiveUnavailable, conn.Status)
	assert.Empty(t, conn.MJPEGURL)
}

func TestTransportFailureSwitchesToFallbackOnce(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	transport.emit(0, TransportEvent{Kind: TransportFailed, Err: errors.New("dtls died")})
	first := l.Status("dev1")
	assert.Equal(t, models.LiveModeMJPEG, first.Mode)
	assert.Equal(t, LiveActive, first.Status)

	// A burst of further failure signals must not re-switch
	transport.emit(0, TransportEvent{Kind: TransportDisconnected})
	transport.emit(0, TransportEvent{Kind: TransportClosed})
	second := l.Status("dev1")
	assert.Equal(t, first.MJPEGURL, second.MJPEGURL, "fallback URL settled on first switch")

	// The dead peer connection was closed exactly once
	waitFor(t, time.Second, func() bool {
		return transport.conns[0].closes.Load() == 1
	})
}

func TestStaleGenerationEventsAreIgnored(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	_, err = l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	require.Equal(t, 2, transport.dialCount())

	// Failure from the replaced connection must not degrade the new one
	transport.emit(0, TransportEvent{Kind: TransportFailed, Err: errors.New("late callback")})
	status := l.Status("dev1")
	assert.Equal(t, models.LiveModeWebRTC, status.Mode)
}

func TestMediaCancelsFallbackTimer(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	transport.emit(0, TransportEvent{Kind: TransportMedia})
	time.Sleep(120 * time.Millisecond) // well past the fallback timeout

	status := l.Status("dev1")
	assert.Equal(t, models.LiveModeWebRTC, status.Mode)
	assert.Equal(t, LiveActive, status.Status)
}

func TestSilentTransportFallsBack(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	// No media event arrives; the watchdog degrades the connection
	waitFor(t, time.Second, func() bool {
		return l.Status("dev1").Mode == models.LiveModeMJPEG
	})
}

func TestConnectEnsuresVideoSession(t *testing.T) {
	transport := &fakeTransport{}
	sessions := &fakeSessionControl{status: models.StreamSessionStatus{Status: models.StreamStopped}}
	l := newTestCoordinator(transport, sessions, true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	require.Len(t, sessions.starts, 1)
	require.NotNil(t, sessions.starts[0].Video)
	assert.True(t, *sessions.starts[0].Video)
}

func TestSilentTransportWithoutMJPEGReportsUnavailable(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), false)
	defer l.TeardownAll()

	conn, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, LiveConnecting, conn.Status)

	// No media and no fallback transport: the watchdog must still fire
	// and surface the dead connection instead of hanging in connecting
	waitFor(t, time.Second, func() bool {
		return l.Status("dev1").Status == LiveUnavailable
	})
	s := l.Status("dev1")
	assert.Equal(t, models.LiveModeNone, s.Mode)
	assert.Empty(t, s.MJPEGURL)
	require.Len(t, transport.conns, 1)
	waitFor(t, time.Second, func() bool {
		return transport.conns[0].closes.Load() == 1
	})
}

func TestConnectRestartsVideolessSession(t *testing.T) {
	transport := &fakeTransport{}
	sessions := &fakeSessionControl{status: models.StreamSessionStatus{
		Status: models.StreamRunning,
		Config: models.StreamSessionConfig{Video: false, Audio: true},
	}}
	l := newTestCoordinator(transport, sessions, true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	// Start is a no-op while running, so the session must be bounced
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Empty(t, sessions.starts)
	require.Len(t, sessions.restarts, 1)
	require.NotNil(t, sessions.restarts[0].Video)
	assert.True(t, *sessions.restarts[0].Video)
}

func TestConnectFailsWhenSessionCannotStart(t *testing.T) {
	sessions := &fakeSessionControl{
		status: models.StreamSessionStatus{Status: models.StreamStopped},
		err:    errors.New("scrcpy push failed"),
	}
	l := newTestCoordinator(&fakeTransport{}, sessions, true)

	_, err := l.Connect(context.Background(), "dev1")
	require.Error(t, err)
	assert.Equal(t, LiveClosed, l.Status("dev1").Status)
}

func TestReconcileTearsDownWithoutVideo(t *testing.T) {
	transport := &fakeTransport{}
	sessions := newRunningSessions()
	l := newTestCoordinator(transport, sessions, true)

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	sessions.mu.Lock()
	sessions.status = models.StreamSessionStatus{Status: models.StreamStopped}
	sessions.mu.Unlock()

	l.Reconcile("dev1")
	assert.Equal(t, LiveClosed, l.Status("dev1").Status)
	assert.Equal(t, int32(1), transport.conns[0].closes.Load())
}

func TestTeardownClosesTransport(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)

	l.Teardown("dev1")
	l.Teardown("dev1") // repeat teardown is safe
	assert.Equal(t, int32(1), transport.conns[0].closes.Load())

	status := l.Status("dev1")
	assert.Equal(t, models.LiveModeNone, status.Mode)
	assert.Equal(t, LiveClosed, status.Status)
}

func TestStatsSampling(t *testing.T) {
	transport := &fakeTransport{}
	l := newTestCoordinator(transport, newRunningSessions(), true)
	defer l.TeardownAll()

	_, err := l.Connect(context.Background(), "dev1")
	require.NoError(t, err)
	transport.emit(0, TransportEvent{Kind: TransportMedia})

	transport.conns[0].bytes.Store(125_000)
	transport.conns[0].frames.Store(30)

	waitFor(t, time.Second, func() bool {
		status := l.Status("dev1")
		return status.Stats != nil && status.Stats.Bytes == 125_000
	})
	status := l.Status("dev1")
	assert.Equal(t, uint64(30), status.Stats.Frames)
	assert.False(t, status.Stats.UpdatedAt.IsZero())
}
