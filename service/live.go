package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicehub/models"
)

// Transport event kinds reported by a TransportConn after Dial.
const (
	TransportConnected    = "connected"
	TransportMedia        = "media"
	TransportFailed       = "failed"
	TransportDisconnected = "disconnected"
	TransportClosed       = "closed"
)

// Live connection statuses.
const (
	LiveConnecting  = "connecting"
	LiveActive      = "active"
	LiveUnavailable = "unavailable"
	LiveClosed      = "closed"
)

// TransportEvent is an asynchronous notification from a live transport.
type TransportEvent struct {
	Kind string
	Err  error
}

// TransportConn is an established live media connection.
type TransportConn interface {
	// Stats returns cumulative received bytes and frames.
	Stats() (uint64, uint64)
	Close()
}

// TransportFactory dials live media connections.
type TransportFactory interface {
	Dial(ctx context.Context, deviceID string, onEvent func(TransportEvent)) (TransportConn, error)
}

// SessionControl is the slice of the stream session manager the live
// coordinator needs to guarantee a video source exists.
type SessionControl interface {
	GetStatus(deviceID string) models.StreamSessionStatus
	Start(deviceID string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error)
	Restart(deviceID string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error)
}

// liveConn is the coordinator's record of one device's viewing connection.
// gen identifies the connection attempt; transport callbacks carry the gen
// they were created under, and events from an older gen are dropped.
type liveConn struct {
	gen           uint64
	mode          string
	status        string
	mjpegURL      string
	lastError     string
	conn          TransportConn
	fallbackTimer *time.Timer
	switched      bool
	statsCancel   context.CancelFunc
	stats         models.LiveStats
	prevBytes     uint64
	prevFrames    uint64
}

// LiveCoordinator establishes and supervises live viewing connections,
// preferring WebRTC and degrading to MJPEG when negotiation fails, times
// out before media arrives, or the peer connection later breaks.
type LiveCoordinator struct {
	transport       TransportFactory
	sessions        SessionControl
	mjpegAvailable  bool
	mjpegBaseURL    string
	fallbackTimeout time.Duration
	retryAttempts   int
	retryDelay      time.Duration
	statsInterval   time.Duration

	mu     sync.Mutex
	conns  map[string]*liveConn
	genSeq uint64
}

func NewLiveCoordinator(transport TransportFactory, sessions SessionControl, mjpegAvailable bool, mjpegBaseURL string, fallbackTimeout time.Duration, retryAttempts int, retryDelay, statsInterval time.Duration) *LiveCoordinator {
	return &LiveCoordinator{
		transport:       transport,
		sessions:        sessions,
		mjpegAvailable:  mjpegAvailable,
		mjpegBaseURL:    mjpegBaseURL,
		fallbackTimeout: fallbackTimeout,
		retryAttempts:   retryAttempts,
		retryDelay:      retryDelay,
		statsInterval:   statsInterval,
		conns:           make(map[string]*liveConn),
	}
}

// Connect establishes a live connection for the device. Any existing
// connection is torn down first; the new attempt gets a fresh generation so
// stale transport callbacks cannot touch it.
func (l *LiveCoordinator) Connect(ctx context.Context, deviceID string) (models.LiveConnection, error) {
	l.Teardown(deviceID)

	if err := l.ensureVideoSession(deviceID); err != nil {
		return models.LiveConnection{}, err
	}

	l.mu.Lock()
	l.genSeq++
	gen := l.genSeq
	c := &liveConn{
		gen:    gen,
		mode:   models.LiveModeWebRTC,
		status: LiveConnecting,
	}
	l.conns[deviceID] = c
	l.mu.Unlock()

	if l.transport == nil {
		return l.fallbackOrFail(deviceID, gen, fmt.Errorf("no live transport configured"))
	}

	var lastErr error
	for attempt := 0; attempt <= l.retryAttempts; attempt++ {
		if attempt > 0 {
			log.Printf("[%s] Live connect retry %d/%d", deviceID, attempt, l.retryAttempts)
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				l.Teardown(deviceID)
				return models.LiveConnection{}, ctx.Err()
			}
		}
		conn, err := l.transport.Dial(ctx, deviceID, func(ev TransportEvent) {
			l.handleEvent(deviceID, gen, ev)
		})
		if err == nil {
			return l.attach(deviceID, gen, conn)
		}
		lastErr = err
		log.Printf("[%s] Live connect attempt failed: %v", deviceID, err)
		if errors.Is(err, ErrNotAvailable) {
			// No agent will appear mid-loop; retrying is pointless
			break
		}
	}
	return l.fallbackOrFail(deviceID, gen, lastErr)
}

// ensureVideoSession makes sure a running mirror session with video exists.
func (l *LiveCoordinator) ensureVideoSession(deviceID string) error {
	if l.sessions == nil {
		return nil
	}
	st := l.sessions.GetStatus(deviceID)
	if st.Status == models.StreamRunning && st.Config.Video {
		return nil
	}
	video := true
	patch := &models.StreamConfigPatch{Video: &video}
	if st.Status == models.StreamRunning || st.Status == models.StreamStarting {
		// Start is a no-op on a live session, so a videoless one has to
		// be bounced to pick up the patch.
		if _, err := l.sessions.Restart(deviceID, patch); err != nil {
			return fmt.Errorf("failed to restart video session: %w", err)
		}
		return nil
	}
	if _, err := l.sessions.Start(deviceID, patch); err != nil {
		return fmt.Errorf("failed to start video session: %w", err)
	}
	return nil
}

// attach installs a dialed transport and arms the media watchdog: if no
// frame arrives before the fallback timeout, the connection degrades to
// MJPEG, or is reported unavailable when MJPEG is disabled, instead of
// leaving the viewer on a black screen.
func (l *LiveCoordinator) attach(deviceID string, gen uint64, conn TransportConn) (models.LiveConnection, error) {
	l.mu.Lock()
	c := l.conns[deviceID]
	if c == nil || c.gen != gen {
		l.mu.Unlock()
		conn.Close()
		return models.LiveConnection{}, fmt.Errorf("live connection superseded")
	}
	c.conn = conn
	if l.fallbackTimeout > 0 {
		c.fallbackTimer = time.AfterFunc(l.fallbackTimeout, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			cur := l.conns[deviceID]
			if cur == nil || cur.gen != gen {
				return
			}
			log.Printf("[%s] No media within %v, falling back to MJPEG", deviceID, l.fallbackTimeout)
			l.switchToFallbackLocked(deviceID, cur, "media timeout")
		})
	}
	statsCtx, cancel := context.WithCancel(context.Background())
	c.statsCancel = cancel
	go l.sampleStats(statsCtx, deviceID, gen, conn)
	snapshot := l.connectionLocked(deviceID, c)
	l.mu.Unlock()
	log.Printf("[%s] Live connection negotiated (webrtc)", deviceID)
	return snapshot, nil
}

// fallbackOrFail resolves a connection that never got a transport.
func (l *LiveCoordinator) fallbackOrFail(deviceID string, gen uint64, cause error) (models.LiveConnection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.conns[deviceID]
	if c == nil || c.gen != gen {
		return models.LiveConnection{}, fmt.Errorf("live connection superseded")
	}
	if cause != nil {
		c.lastError = cause.Error()
	}
	l.switchToFallbackLocked(deviceID, c, "negotiation failed")
	if c.mode == models.LiveModeNone {
		return l.connectionLocked(deviceID, c), fmt.Errorf("%w: %v", ErrNegotiationFailed, cause)
	}
	return l.connectionLocked(deviceID, c), nil
}

// handleEvent processes an asynchronous transport event. Events carrying a
// stale generation are dropped; they belong to a connection that has
// already been replaced or torn down.
func (l *LiveCoordinator) handleEvent(deviceID string, gen uint64, ev TransportEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.conns[deviceID]
	if c == nil || c.gen != gen {
		return
	}
	switch ev.Kind {
	case TransportConnected:
		if c.status == LiveConnecting {
			c.status = LiveActive
		}
	case TransportMedia:
		c.status = LiveActive
		if c.fallbackTimer != nil {
			c.fallbackTimer.Stop()
			c.fallbackTimer = nil
		}
	case TransportFailed, TransportDisconnected, TransportClosed:
		if c.mode != models.LiveModeWebRTC {
			return
		}
		if ev.Err != nil {
			c.lastError = ev.Err.Error()
		}
		log.Printf("[%s] Live transport %s, switching to fallback", deviceID, ev.Kind)
		l.switchToFallbackLocked(deviceID, c, "transport "+ev.Kind)
	}
}

// switchToFallbackLocked degrades the connection to MJPEG, or to no live
// mode when MJPEG is disabled. It runs at most once per connection no
// matter how many triggers fire. Caller holds l.mu.
func (l *LiveCoordinator) switchToFallbackLocked(deviceID string, c *liveConn, reason string) {
	if c.switched {
		return
	}
	c.switched = true
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
		c.fallbackTimer = nil
	}
	if c.statsCancel != nil {
		c.statsCancel()
		c.statsCancel = nil
	}
	if c.conn != nil {
		go c.conn.Close()
		c.conn = nil
	}
	if !l.mjpegAvailable {
		c.mode = models.LiveModeNone
		c.status = LiveUnavailable
		log.Printf("[%s] No live connection available (%s, MJPEG disabled)", deviceID, reason)
		return
	}
	c.mode = models.LiveModeMJPEG
	c.status = LiveActive
	// Cache-buster keeps proxies from replaying a dead stream
	c.mjpegURL = fmt.Sprintf("%s/%s/mjpeg?t=%s", l.mjpegBaseURL, deviceID, uuid.NewString()[:8])
	c.stats = models.LiveStats{}
	log.Printf("[%s] Live connection degraded to MJPEG (%s)", deviceID, reason)
}

// sampleStats periodically converts the transport's cumulative counters
// into bitrate and fps.
func (l *LiveCoordinator) sampleStats(ctx context.Context, deviceID string, gen uint64, conn TransportConn) {
	ticker := time.NewTicker(l.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		bytes, frames := conn.Stats()
		l.mu.Lock()
		c := l.conns[deviceID]
		if c == nil || c.gen != gen {
			l.mu.Unlock()
			return
		}
		interval := l.statsInterval.Seconds()
		c.stats = models.LiveStats{
			BitrateKbps: float64(bytes-c.prevBytes) * 8 / 1000 / interval,
			FPS:         float64(frames-c.prevFrames) / interval,
			Bytes:       bytes,
			Frames:      frames,
			Width:       c.stats.Width,
			Height:      c.stats.Height,
			UpdatedAt:   time.Now(),
		}
		c.prevBytes = bytes
		c.prevFrames = frames
		l.mu.Unlock()
	}
}

// Reconcile tears the live connection down when its backing stream session
// is no longer serving video. Called on session state changes.
func (l *LiveCoordinator) Reconcile(deviceID string) {
	if l.sessions == nil {
		return
	}
	st := l.sessions.GetStatus(deviceID)
	if st.Status == models.StreamRunning && st.Config.Video {
		return
	}
	l.mu.Lock()
	_, exists := l.conns[deviceID]
	l.mu.Unlock()
	if exists {
		log.Printf("[%s] Stream session %s, tearing down live connection", deviceID, st.Status)
		l.Teardown(deviceID)
	}
}

// Teardown closes the device's live connection and forgets it. Safe to
// call when none exists.
func (l *LiveCoordinator) Teardown(deviceID string) {
	l.mu.Lock()
	c := l.conns[deviceID]
	delete(l.conns, deviceID)
	l.mu.Unlock()
	if c == nil {
		return
	}
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
	}
	if c.statsCancel != nil {
		c.statsCancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// TeardownAll closes every live connection, used on shutdown.
func (l *LiveCoordinator) TeardownAll() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.conns))
	for id := range l.conns {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.Teardown(id)
	}
}

// Status reports the device's live connection, or a closed placeholder
// when there is none.
func (l *LiveCoordinator) Status(deviceID string) models.LiveConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.conns[deviceID]
	if c == nil {
		return models.LiveConnection{
			DeviceID: deviceID,
			Mode:     models.LiveModeNone,
			Status:   LiveClosed,
		}
	}
	return l.connectionLocked(deviceID, c)
}

func (l *LiveCoordinator) connectionLocked(deviceID string, c *liveConn) models.LiveConnection {
	conn := models.LiveConnection{
		DeviceID:  deviceID,
		Mode:      c.mode,
		Status:    c.status,
		MJPEGURL:  c.mjpegURL,
		LastError: c.lastError,
	}
	if !c.stats.UpdatedAt.IsZero() {
		stats := c.stats
		conn.Stats = &stats
	}
	return conn
}
