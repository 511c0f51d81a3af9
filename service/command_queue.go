package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicehub/models"
)

// CommandExecutor performs the actual device injection for one command.
// Injection for one device must be sequential; the per-device worker
// guarantees it never issues two commands concurrently.
type CommandExecutor interface {
	Execute(ctx context.Context, deviceID string, cmd *models.DeviceCommand) error
}

// AvailabilityFunc reports whether a device is currently dispatchable.
// When it returns false the worker holds the queue without dropping
// commands, so they run once the owning client re-registers.
type AvailabilityFunc func(deviceID string) bool

// availabilityPollInterval is how often a blocked worker re-checks an
// unavailable device.
const availabilityPollInterval = 500 * time.Millisecond

// DeviceSession owns the FIFO command queue and worker for one device.
type DeviceSession struct {
	deviceID  string
	executor  CommandExecutor
	available AvailabilityFunc

	mu        sync.Mutex
	queue     []*models.DeviceCommand
	history   []*models.DeviceCommand
	histLimit int
	current   *models.DeviceCommand
	lastError string
	createdAt time.Time
	updatedAt time.Time

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDeviceSession(deviceID string, executor CommandExecutor, available AvailabilityFunc, historyLimit int) *DeviceSession {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &DeviceSession{
		deviceID:  deviceID,
		executor:  executor,
		available: available,
		histLimit: historyLimit,
		createdAt: now,
		updatedAt: now,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue appends a command to the tail of the queue and wakes the worker.
func (s *DeviceSession) Enqueue(cmd *models.DeviceCommand) {
	s.mu.Lock()
	s.queue = append(s.queue, cmd)
	s.history = append(s.history, cmd)
	if len(s.history) > s.histLimit {
		s.history = s.history[len(s.history)-s.histLimit:]
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ListCommands returns up to limit commands, most recent first.
func (s *DeviceSession) ListCommands(limit int) []models.DeviceCommand {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit > n {
		limit = n
	}
	items := make([]models.DeviceCommand, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		items = append(items, *s.history[i])
	}
	return items
}

// GetCommand looks up one command by id within the history window.
func (s *DeviceSession) GetCommand(commandID string) (models.DeviceCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == commandID {
			return *s.history[i], true
		}
	}
	return models.DeviceCommand{}, false
}

// ClearQueue removes all pending commands. The currently running command is
// allowed to finish. Returns the number of commands removed.
func (s *DeviceSession) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := len(s.queue)
	s.queue = nil
	if drained > 0 {
		s.updatedAt = time.Now()
	}
	return drained
}

// Status returns a snapshot of the session. Presence fields are filled in by
// the caller from the client registry.
func (s *DeviceSession) Status() models.DeviceSessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.SessionIdle
	currentID := ""
	pending := len(s.queue)
	if s.current != nil {
		status = models.SessionRunning
		currentID = s.current.ID
		pending++
	}
	return models.DeviceSessionStatus{
		DeviceID:         s.deviceID,
		Status:           status,
		Pending:          pending,
		CurrentCommandID: currentID,
		LastError:        s.lastError,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
		ClientStatus:     models.ClientUnknown,
	}
}

func (s *DeviceSession) close() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.cancel()
}

// run is the single worker context for this device: it dequeues the head
// command, executes it, records the result, then moves on. Executor failure
// is non-fatal; the rest of the queue keeps processing.
func (s *DeviceSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		s.drain()
	}
}

func (s *DeviceSession) drain() {
	for {
		if !s.waitAvailable() {
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		cmd := s.queue[0]
		s.queue = s.queue[1:]
		started := time.Now()
		cmd.Status = models.CommandRunning
		cmd.StartedAt = &started
		s.current = cmd
		s.updatedAt = started
		s.mu.Unlock()

		err := s.executor.Execute(s.ctx, s.deviceID, cmd)

		finished := time.Now()
		s.mu.Lock()
		cmd.FinishedAt = &finished
		if err != nil {
			cmd.Status = models.CommandFailed
			cmd.Error = err.Error()
			s.lastError = cmd.Error
			log.Printf("[%s] Command %s (%s) failed: %v", s.deviceID, cmd.ID, cmd.Type, err)
		} else {
			cmd.Status = models.CommandDone
		}
		s.current = nil
		s.updatedAt = finished
		s.mu.Unlock()
	}
}

// waitAvailable blocks while the device's owning client is offline or
// evicted. Returns false when the session closes.
func (s *DeviceSession) waitAvailable() bool {
	for {
		if s.available == nil || s.available(s.deviceID) {
			return true
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(availabilityPollInterval):
		}
	}
}

// SessionManager is the per-device session registry. Sessions are created
// lazily on first interaction and live for the process lifetime unless
// explicitly closed.
type SessionManager struct {
	executor     CommandExecutor
	available    AvailabilityFunc
	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*DeviceSession
}

// NewSessionManager creates the registry. available may be nil when devices
// are always local.
func NewSessionManager(executor CommandExecutor, available AvailabilityFunc, historyLimit int) *SessionManager {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &SessionManager{
		executor:     executor,
		available:    available,
		historyLimit: historyLimit,
		sessions:     make(map[string]*DeviceSession),
	}
}

func (m *SessionManager) getOrCreate(deviceID string) *DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[deviceID]
	if !ok {
		session = newDeviceSession(deviceID, m.executor, m.available, m.historyLimit)
		m.sessions[deviceID] = session
	}
	return session
}

func (m *SessionManager) get(deviceID string) *DeviceSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[deviceID]
}

// Enqueue validates the request and appends it to the device's queue,
// creating the session on first use.
func (m *SessionManager) Enqueue(deviceID string, req models.CommandRequest) (*models.DeviceCommand, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd := &models.DeviceCommand{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      req.Type,
		Payload:   req.CommandPayload,
		Status:    models.CommandPending,
		CreatedAt: time.Now(),
	}
	m.getOrCreate(deviceID).Enqueue(cmd)
	return cmd, nil
}

// ListCommands returns the device's command history, most recent first.
func (m *SessionManager) ListCommands(deviceID string, limit int) []models.DeviceCommand {
	session := m.get(deviceID)
	if session == nil {
		return nil
	}
	return session.ListCommands(limit)
}

// GetCommand returns one of the device's commands by id. Commands that
// aged out of the history window are not found.
func (m *SessionManager) GetCommand(deviceID, commandID string) (models.DeviceCommand, bool) {
	session := m.get(deviceID)
	if session == nil {
		return models.DeviceCommand{}, false
	}
	return session.GetCommand(commandID)
}

// ClearQueue drops the device's pending commands. The running one finishes.
func (m *SessionManager) ClearQueue(deviceID string) int {
	session := m.get(deviceID)
	if session == nil {
		return 0
	}
	return session.ClearQueue()
}

// Close drains the queue and terminates the worker. Returns false when no
// session existed.
func (m *SessionManager) Close(deviceID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.close()
	return true
}

// Status returns the session snapshot for one device.
func (m *SessionManager) Status(deviceID string) (models.DeviceSessionStatus, bool) {
	session := m.get(deviceID)
	if session == nil {
		return models.DeviceSessionStatus{}, false
	}
	return session.Status(), true
}

// ListSessions returns snapshots of every live session.
func (m *SessionManager) ListSessions() []models.DeviceSessionStatus {
	m.mu.RLock()
	sessions := make([]*DeviceSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	statuses := make([]models.DeviceSessionStatus, 0, len(sessions))
	for _, session := range sessions {
		statuses = append(statuses, session.Status())
	}
	return statuses
}

// Shutdown closes every session.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, session := range sessions {
		session.close()
	}
}
