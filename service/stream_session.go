package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"devicehub/config"
	"devicehub/models"
)

// MirrorProcess is a running mirror instance owned by the session manager.
type MirrorProcess interface {
	Port() int
	SCID() string
	Stop()
}

// MirrorLauncher starts mirror processes. Launch blocks until the process
// is ready to serve or has failed.
type MirrorLauncher interface {
	Launch(deviceID string, cfg models.StreamSessionConfig) (MirrorProcess, error)
}

// streamSession tracks the mirror lifecycle for one device.
//
// opMu serializes start/stop/restart/update so overlapping requests queue
// behind the in-flight transition instead of racing it. mu only guards the
// fields so status reads stay responsive during slow launches.
type streamSession struct {
	deviceID string

	opMu sync.Mutex

	mu        sync.Mutex
	state     string
	cfg       models.StreamSessionConfig
	process   MirrorProcess
	startedAt *time.Time
	updatedAt time.Time
	lastError string
}

func (s *streamSession) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *streamSession) snapshot() models.StreamSessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.StreamSessionStatus{
		DeviceID:  s.deviceID,
		Status:    s.state,
		Config:    s.cfg,
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
		LastError: s.lastError,
	}
	if s.process != nil {
		st.Port = s.process.Port()
		st.SCID = s.process.SCID()
	}
	return st
}

// StreamSessionManager owns every device's mirror session. State moves
// through stopped -> starting -> running -> stopping -> stopped, with
// "error" as the resting state after a failed launch. A session in error
// is recoverable: the next Start runs the full launch again.
type StreamSessionManager struct {
	launcher MirrorLauncher
	store    *config.StreamConfigStore

	mu       sync.RWMutex
	sessions map[string]*streamSession

	onStateChange func(deviceID string)
}

// NewStreamSessionManager builds the manager. store may be nil, in which
// case config updates are kept in memory only.
func NewStreamSessionManager(launcher MirrorLauncher, store *config.StreamConfigStore) *StreamSessionManager {
	m := &StreamSessionManager{
		launcher: launcher,
		store:    store,
		sessions: make(map[string]*streamSession),
	}
	if store != nil {
		stored, err := store.LoadAll()
		if err != nil {
			log.Printf("Failed to load stored stream configs: %v", err)
		} else {
			for deviceID, cfg := range stored {
				m.sessions[deviceID] = &streamSession{
					deviceID:  deviceID,
					state:     models.StreamStopped,
					cfg:       cfg,
					updatedAt: time.Now(),
				}
			}
			if len(stored) > 0 {
				log.Printf("Loaded %d stored stream config(s)", len(stored))
			}
		}
	}
	return m
}

// SetStateChangeHook registers a callback invoked after every state
// transition, outside the session locks.
func (m *StreamSessionManager) SetStateChangeHook(fn func(deviceID string)) {
	m.onStateChange = fn
}

func (m *StreamSessionManager) notify(deviceID string) {
	if m.onStateChange != nil {
		m.onStateChange(deviceID)
	}
}

func (m *StreamSessionManager) session(deviceID string) *streamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[deviceID]
	if !ok {
		sess = &streamSession{
			deviceID:  deviceID,
			state:     models.StreamStopped,
			cfg:       config.DefaultStreamConfig(),
			updatedAt: time.Now(),
		}
		m.sessions[deviceID] = sess
	}
	return sess
}

// Start launches a mirror session for the device, optionally merging a
// config patch first. Starting an already running or starting session is
// a no-op that returns the current status.
func (m *StreamSessionManager) Start(deviceID string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error) {
	sess := m.session(deviceID)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	sess.mu.Lock()
	if sess.state == models.StreamRunning || sess.state == models.StreamStarting {
		st := sess.state
		sess.mu.Unlock()
		log.Printf("[%s] Stream already %s, start ignored", deviceID, st)
		return sess.snapshot(), nil
	}
	if patch != nil {
		sess.cfg = sess.cfg.Apply(patch)
	}
	cfg := sess.cfg
	sess.state = models.StreamStarting
	sess.lastError = ""
	sess.updatedAt = time.Now()
	sess.mu.Unlock()
	m.notify(deviceID)

	if patch != nil {
		m.persist(deviceID, cfg)
	}

	log.Printf("[%s] Starting stream session...", deviceID)
	process, err := m.launcher.Launch(deviceID, cfg)
	if err != nil {
		sess.mu.Lock()
		sess.state = models.StreamError
		sess.lastError = err.Error()
		sess.updatedAt = time.Now()
		sess.mu.Unlock()
		m.notify(deviceID)
		log.Printf("[%s] Stream start failed: %v", deviceID, err)
		return sess.snapshot(), fmt.Errorf("failed to start stream: %w", err)
	}

	now := time.Now()
	sess.mu.Lock()
	sess.state = models.StreamRunning
	sess.process = process
	sess.startedAt = &now
	sess.updatedAt = now
	sess.mu.Unlock()
	m.notify(deviceID)
	log.Printf("[%s] Stream session running (port=%d)", deviceID, process.Port())
	return sess.snapshot(), nil
}

// Stop tears down the device's mirror session. Stopping a session that is
// not running is a no-op.
func (m *StreamSessionManager) Stop(deviceID string) (models.StreamSessionStatus, error) {
	sess := m.session(deviceID)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	return m.stopLocked(sess), nil
}

// stopLocked performs the stop transition. Caller holds opMu.
func (m *StreamSessionManager) stopLocked(sess *streamSession) models.StreamSessionStatus {
	sess.mu.Lock()
	if sess.state != models.StreamRunning && sess.state != models.StreamError {
		sess.mu.Unlock()
		return sess.snapshot()
	}
	process := sess.process
	sess.state = models.StreamStopping
	sess.updatedAt = time.Now()
	sess.mu.Unlock()
	m.notify(sess.deviceID)

	if process != nil {
		log.Printf("[%s] Stopping stream session...", sess.deviceID)
		process.Stop()
	}

	sess.mu.Lock()
	sess.state = models.StreamStopped
	sess.process = nil
	sess.startedAt = nil
	sess.updatedAt = time.Now()
	sess.mu.Unlock()
	m.notify(sess.deviceID)
	return sess.snapshot()
}

// Restart stops then starts the session under one operation lock, so no
// other transition can interleave. A stop hiccup does not abort the
// restart; the outcome is whatever the relaunch produces.
func (m *StreamSessionManager) Restart(deviceID string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error) {
	sess := m.session(deviceID)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	m.stopLocked(sess)

	sess.mu.Lock()
	if patch != nil {
		sess.cfg = sess.cfg.Apply(patch)
	}
	cfg := sess.cfg
	sess.state = models.StreamStarting
	sess.lastError = ""
	sess.updatedAt = time.Now()
	sess.mu.Unlock()
	m.notify(deviceID)

	if patch != nil {
		m.persist(deviceID, cfg)
	}

	log.Printf("[%s] Restarting stream session...", deviceID)
	process, err := m.launcher.Launch(deviceID, cfg)
	if err != nil {
		sess.mu.Lock()
		sess.state = models.StreamError
		sess.lastError = err.Error()
		sess.updatedAt = time.Now()
		sess.mu.Unlock()
		m.notify(deviceID)
		return sess.snapshot(), fmt.Errorf("failed to restart stream: %w", err)
	}

	now := time.Now()
	sess.mu.Lock()
	sess.state = models.StreamRunning
	sess.process = process
	sess.startedAt = &now
	sess.updatedAt = now
	sess.mu.Unlock()
	m.notify(deviceID)
	return sess.snapshot(), nil
}

// UpdateConfig merges a patch into the device's stored config. Only allowed
// while the session is stopped or in error; an active session must be
// restarted to pick up new settings.
func (m *StreamSessionManager) UpdateConfig(deviceID string, patch *models.StreamConfigPatch) (models.StreamSessionStatus, error) {
	sess := m.session(deviceID)
	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	sess.mu.Lock()
	if sess.state == models.StreamRunning || sess.state == models.StreamStarting || sess.state == models.StreamStopping {
		state := sess.state
		sess.mu.Unlock()
		return sess.snapshot(), fmt.Errorf("%w: session is %s", ErrConfigLocked, state)
	}
	if patch != nil {
		sess.cfg = sess.cfg.Apply(patch)
	}
	cfg := sess.cfg
	sess.updatedAt = time.Now()
	sess.mu.Unlock()

	m.persist(deviceID, cfg)
	return sess.snapshot(), nil
}

func (m *StreamSessionManager) persist(deviceID string, cfg models.StreamSessionConfig) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(deviceID, cfg); err != nil {
		log.Printf("[%s] Failed to persist stream config: %v", deviceID, err)
	}
}

// GetStatus returns the session status for a device. Devices without a
// session report a synthesized stopped status with default config.
func (m *StreamSessionManager) GetStatus(deviceID string) models.StreamSessionStatus {
	m.mu.RLock()
	sess, ok := m.sessions[deviceID]
	m.mu.RUnlock()
	if !ok {
		return models.StreamSessionStatus{
			DeviceID:  deviceID,
			Status:    models.StreamStopped,
			Config:    config.DefaultStreamConfig(),
			UpdatedAt: time.Now(),
		}
	}
	return sess.snapshot()
}

// ListSessions returns the status of every known session.
func (m *StreamSessionManager) ListSessions() []models.StreamSessionStatus {
	m.mu.RLock()
	sessions := make([]*streamSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make([]models.StreamSessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// StopAll stops every active session, used on shutdown.
func (m *StreamSessionManager) StopAll() {
	m.mu.RLock()
	sessions := make([]*streamSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.opMu.Lock()
		m.stopLocked(sess)
		sess.opMu.Unlock()
	}
}
