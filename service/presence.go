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

// ClientConn is the registry's handle on a connected agent socket.
type ClientConn interface {
	Send(v interface{}) error
	Close()
}

// clientState tracks one remote agent and the inventory it last reported.
type clientState struct {
	clientID       string
	conn           ClientConn
	connectedAt    time.Time
	lastSeen       time.Time
	connected      bool
	disconnectedAt time.Time
	devices        map[string]models.Device
	sessions       map[string]models.DeviceSessionStatus
}

// ClientRegistry tracks remote agents and the devices they expose. An
// agent that stops sending is marked offline after the inactive threshold
// and evicted, inventory included, after the evict threshold. It also
// relays WebRTC offers to the agent that owns the target device.
type ClientRegistry struct {
	inactiveAfter time.Duration

	mu      sync.RWMutex
	clients map[string]*clientState
	pending map[string]chan models.WebRTCAnswer
}

func NewClientRegistry(inactiveAfter time.Duration) *ClientRegistry {
	return &ClientRegistry{
		inactiveAfter: inactiveAfter,
		clients:       make(map[string]*clientState),
		pending:       make(map[string]chan models.WebRTCAnswer),
	}
}

// Register binds a socket to a client id. A reconnect replaces the old
// socket; the stale one is closed so only one connection speaks for a
// client at a time.
func (r *ClientRegistry) Register(clientID string, conn ClientConn) {
	now := time.Now()
	r.mu.Lock()
	state, ok := r.clients[clientID]
	var stale ClientConn
	if ok {
		if state.conn != nil && state.conn != conn {
			stale = state.conn
		}
		state.conn = conn
		state.connected = true
		state.lastSeen = now
	} else {
		state = &clientState{
			clientID:    clientID,
			conn:        conn,
			connectedAt: now,
			lastSeen:    now,
			connected:   true,
			devices:     make(map[string]models.Device),
			sessions:    make(map[string]models.DeviceSessionStatus),
		}
		r.clients[clientID] = state
	}
	r.mu.Unlock()
	if stale != nil {
		log.Printf("[%s] Replacing stale client connection", clientID)
		stale.Close()
	}
	log.Printf("[%s] Client registered", clientID)
}

// Touch refreshes the client's last-seen timestamp. Called for every
// inbound message, so any traffic counts as a heartbeat.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	if state, ok := r.clients[clientID]; ok {
		state.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// MarkDisconnected records a socket drop without forgetting the client.
// Its devices stay listed as offline until eviction.
func (r *ClientRegistry) MarkDisconnected(clientID string, conn ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[clientID]
	if !ok {
		return
	}
	// A reconnect may already own the slot
	if conn != nil && state.conn != conn {
		return
	}
	state.connected = false
	state.conn = nil
	state.disconnectedAt = time.Now()
	log.Printf("[%s] Client disconnected", clientID)
}

// UpdateDevices replaces the client's reported device inventory.
func (r *ClientRegistry) UpdateDevices(clientID string, devices []models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[clientID]
	if !ok {
		return
	}
	state.devices = make(map[string]models.Device, len(devices))
	for _, d := range devices {
		d.ClientID = clientID
		state.devices[d.ID] = d
	}
}

// UpdateSessions replaces the client's reported device session snapshots.
func (r *ClientRegistry) UpdateSessions(clientID string, sessions []models.DeviceSessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[clientID]
	if !ok {
		return
	}
	state.sessions = make(map[string]models.DeviceSessionStatus, len(sessions))
	for _, s := range sessions {
		state.sessions[s.DeviceID] = s
	}
}

// UpdateSession merges one device's session snapshot, used when an agent
// reports a single command completing rather than a full inventory.
func (r *ClientRegistry) UpdateSession(clientID string, session models.DeviceSessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[clientID]
	if !ok {
		return
	}
	state.sessions[session.DeviceID] = session
}

// clientStatusLocked derives online/offline from the connection flag and
// message recency.
func (r *ClientRegistry) clientStatusLocked(state *clientState, now time.Time) string {
	if !state.connected {
		return models.ClientOffline
	}
	if now.Sub(state.lastSeen) >= r.inactiveAfter {
		return models.ClientOffline
	}
	return models.ClientOnline
}

// Sweep evicts clients whose silence exceeds evictAfter, measured from the
// disconnect time for dropped sockets or the last message otherwise.
// Returns the evicted client ids.
func (r *ClientRegistry) Sweep(evictAfter time.Duration) []string {
	now := time.Now()
	r.mu.Lock()
	var evicted []string
	for id, state := range r.clients {
		reference := state.lastSeen
		if !state.connected && state.disconnectedAt.After(reference) {
			reference = state.disconnectedAt
		}
		if now.Sub(reference) >= evictAfter {
			if state.conn != nil {
				go state.conn.Close()
			}
			delete(r.clients, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()
	for _, id := range evicted {
		log.Printf("[%s] Client evicted after %v of silence", id, evictAfter)
	}
	return evicted
}

// Evict removes a client immediately.
func (r *ClientRegistry) Evict(clientID string) bool {
	r.mu.Lock()
	state, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
	if ok && state.conn != nil {
		state.conn.Close()
	}
	return ok
}

// ListDevices returns every reported device decorated with its owning
// client's presence.
func (r *ClientRegistry) ListDevices() []models.Device {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Device
	for _, state := range r.clients {
		status := r.clientStatusLocked(state, now)
		lastSeen := state.lastSeen
		for _, d := range state.devices {
			d.ClientStatus = status
			d.ClientLastSeen = &lastSeen
			out = append(out, d)
		}
	}
	return out
}

// ListSessions returns every reported device session decorated with the
// owning client's presence.
func (r *ClientRegistry) ListSessions() []models.DeviceSessionStatus {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.DeviceSessionStatus
	for _, state := range r.clients {
		status := r.clientStatusLocked(state, now)
		lastSeen := state.lastSeen
		for _, s := range state.sessions {
			s.ClientStatus = status
			s.ClientLastSeen = &lastSeen
			out = append(out, s)
		}
	}
	return out
}

// GetSession looks up a single reported device session.
func (r *ClientRegistry) GetSession(deviceID string) (models.DeviceSessionStatus, bool) {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.clients {
		if s, ok := state.sessions[deviceID]; ok {
			lastSeen := state.lastSeen
			s.ClientStatus = r.clientStatusLocked(state, now)
			s.ClientLastSeen = &lastSeen
			return s, true
		}
	}
	return models.DeviceSessionStatus{}, false
}

// DeviceAvailable reports whether the device's owning client is online.
// Unknown devices are treated as local and always available.
func (r *ClientRegistry) DeviceAvailable(deviceID string) bool {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.clients {
		if _, ok := state.devices[deviceID]; ok {
			return r.clientStatusLocked(state, now) == models.ClientOnline
		}
	}
	return true
}

// ownerLocked finds the connected client that reported the device.
func (r *ClientRegistry) ownerLocked(deviceID string) *clientState {
	for _, state := range r.clients {
		if _, ok := state.devices[deviceID]; ok && state.connected {
			return state
		}
	}
	return nil
}

// Offer relays a WebRTC offer to the device's agent and waits for its
// answer. Implements SignalRelay.
func (r *ClientRegistry) Offer(ctx context.Context, offer models.WebRTCOffer) (models.WebRTCAnswer, error) {
	r.mu.Lock()
	state := r.ownerLocked(offer.DeviceID)
	if state == nil || state.conn == nil {
		r.mu.Unlock()
		return models.WebRTCAnswer{}, fmt.Errorf("%w: no agent for device %s", ErrNotAvailable, offer.DeviceID)
	}
	requestID := uuid.NewString()
	ch := make(chan models.WebRTCAnswer, 1)
	r.pending[requestID] = ch
	conn := state.conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
	}()

	err := conn.Send(map[string]interface{}{
		"type":       "webrtc_offer",
		"request_id": requestID,
		"device_id":  offer.DeviceID,
		"sdp":        offer.SDP,
		"sdp_type":   offer.Type,
	})
	if err != nil {
		return models.WebRTCAnswer{}, fmt.Errorf("failed to forward offer: %w", err)
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return models.WebRTCAnswer{}, fmt.Errorf("offer answer timed out: %w", ctx.Err())
	}
}

// ResolvePending completes a relayed offer with the agent's answer.
func (r *ClientRegistry) ResolvePending(requestID string, answer models.WebRTCAnswer) bool {
	r.mu.RLock()
	ch, ok := r.pending[requestID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- answer:
	default:
	}
	return true
}

// RunSweeper periodically sweeps until the context is cancelled.
func (r *ClientRegistry) RunSweeper(ctx context.Context, interval, evictAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(evictAfter)
		}
	}
}
