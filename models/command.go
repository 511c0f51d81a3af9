package models

import (
	"fmt"
	"time"
)

// Command types accepted by the device queue
const (
	CmdTap       = "tap"
	CmdSwipe     = "swipe"
	CmdTouchDown = "touch_down"
	CmdTouchMove = "touch_move"
	CmdTouchUp   = "touch_up"
	CmdKeyEvent  = "keyevent"
	CmdInputText = "input_text"
	CmdStartApp  = "start_app"
	CmdBack      = "back"
	CmdHome      = "home"
	CmdRecent    = "recent"
	CmdWait      = "wait"
)

// Command lifecycle states
const (
	CommandPending = "pending"
	CommandRunning = "running"
	CommandDone    = "done"
	CommandFailed  = "failed"
)

// CommandPayload carries the type-specific parameters of a device command.
// Pointer fields distinguish "absent" from zero, so validation can reject
// incomplete requests instead of silently tapping (0,0).
type CommandPayload struct {
	X            *int    `json:"x,omitempty"`
	Y            *int    `json:"y,omitempty"`
	ScreenWidth  *int    `json:"screen_width,omitempty"`
	ScreenHeight *int    `json:"screen_height,omitempty"`
	X1           *int    `json:"x1,omitempty"`
	Y1           *int    `json:"y1,omitempty"`
	X2           *int    `json:"x2,omitempty"`
	Y2           *int    `json:"y2,omitempty"`
	DurationMS   *int    `json:"duration_ms,omitempty"`
	Keycode      *string `json:"keycode,omitempty"`
	Text         *string `json:"text,omitempty"`
	Package      *string `json:"package,omitempty"`
	Activity     *string `json:"activity,omitempty"`
	WaitMS       *int    `json:"wait_ms,omitempty"`
}

// CommandRequest is the enqueue payload: a command type plus its parameters.
type CommandRequest struct {
	Type string `json:"type"`
	CommandPayload
}

// Validate checks that the command type is known and carries the parameters
// it needs. Returns a descriptive error for the API layer to reject with.
func (r *CommandRequest) Validate() error {
	switch r.Type {
	case CmdTap, CmdTouchDown, CmdTouchMove, CmdTouchUp:
		if r.X == nil || r.Y == nil {
			return fmt.Errorf("%s requires x and y", r.Type)
		}
	case CmdSwipe:
		if r.X1 == nil || r.Y1 == nil || r.X2 == nil || r.Y2 == nil {
			return fmt.Errorf("swipe requires x1, y1, x2, y2")
		}
	case CmdKeyEvent:
		if r.Keycode == nil || *r.Keycode == "" {
			return fmt.Errorf("keyevent requires keycode")
		}
	case CmdInputText:
		if r.Text == nil {
			return fmt.Errorf("input_text requires text")
		}
	case CmdStartApp:
		if r.Package == nil || *r.Package == "" {
			return fmt.Errorf("start_app requires package")
		}
	case CmdBack, CmdHome, CmdRecent, CmdWait:
		// No required parameters
	case "":
		return fmt.Errorf("command type missing")
	default:
		return fmt.Errorf("unsupported command type: %s", r.Type)
	}
	return nil
}

// DeviceCommand is a single queued input action for one device.
type DeviceCommand struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Type       string         `json:"type"`
	Payload    CommandPayload `json:"payload"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}
