package service

import "errors"

// Error taxonomy shared by the queue, stream and live subsystems. Handlers
// map these onto HTTP status codes; everything else wraps them with context
// via fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidCommand rejects a malformed or unsupported command at
	// enqueue time. Never queued.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrDeviceUnavailable means the target device is absent, offline or
	// unauthorized.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrSessionBusy rejects an operation because a conflicting transition
	// is in flight.
	ErrSessionBusy = errors.New("session busy")

	// ErrConfigLocked rejects config changes while the stream session is
	// connected (running/starting/stopping).
	ErrConfigLocked = errors.New("config locked while session connected")

	// ErrNegotiationFailed marks a transport negotiation error. Triggers
	// retry then fallback inside the coordinator.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrNotAvailable means the deployment lacks a subsystem entirely.
	// Distinct from a transient error: callers short-circuit future
	// retries for the capability.
	ErrNotAvailable = errors.New("not available")
)
