package models

import "time"

// Device session states
const (
	SessionIdle    = "idle"
	SessionRunning = "running"
	SessionError   = "error"
)

// Remote client presence states
const (
	ClientOnline  = "online"
	ClientOffline = "offline"
	ClientUnknown = "unknown"
)

// DeviceSessionStatus is a read-only snapshot of one device's command queue.
type DeviceSessionStatus struct {
	DeviceID         string     `json:"device_id"`
	Status           string     `json:"status"`
	Pending          int        `json:"pending"`
	CurrentCommandID string     `json:"current_command_id,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ClientStatus     string     `json:"client_status"`
	ClientLastSeen   *time.Time `json:"client_last_seen,omitempty"`
}

// Stream session states
const (
	StreamStopped  = "stopped"
	StreamStarting = "starting"
	StreamRunning  = "running"
	StreamStopping = "stopping"
	StreamError    = "error"
)

// StreamSessionConfig holds the mirroring parameters for one device.
// A session snapshots its config on start; the stored copy is replaced
// wholesale on reconfigure.
type StreamSessionConfig struct {
	Video             bool   `json:"video"`
	Audio             bool   `json:"audio"`
	Control           bool   `json:"control"`
	MaxFPS            int    `json:"max_fps"`
	VideoBitRate      int    `json:"video_bit_rate"`
	MaxSize           int    `json:"max_size"`
	VideoCodecOptions string `json:"video_codec_options"`
	AudioCodec        string `json:"audio_codec"`
	LogLevel          string `json:"log_level"`
}

// StreamConfigPatch is a partial config: nil fields keep their current value.
type StreamConfigPatch struct {
	Video             *bool   `json:"video,omitempty"`
	Audio             *bool   `json:"audio,omitempty"`
	Control           *bool   `json:"control,omitempty"`
	MaxFPS            *int    `json:"max_fps,omitempty"`
	VideoBitRate      *int    `json:"video_bit_rate,omitempty"`
	MaxSize           *int    `json:"max_size,omitempty"`
	VideoCodecOptions *string `json:"video_codec_options,omitempty"`
	AudioCodec        *string `json:"audio_codec,omitempty"`
	LogLevel          *string `json:"log_level,omitempty"`
}

// Apply overlays the non-nil fields of the patch onto the config.
func (c StreamSessionConfig) Apply(p *StreamConfigPatch) StreamSessionConfig {
	if p == nil {
		return c
	}
	if p.Video != nil {
		c.Video = *p.Video
	}
	if p.Audio != nil {
		c.Audio = *p.Audio
	}
	if p.Control != nil {
		c.Control = *p.Control
	}
	if p.MaxFPS != nil {
		c.MaxFPS = *p.MaxFPS
	}
	if p.VideoBitRate != nil {
		c.VideoBitRate = *p.VideoBitRate
	}
	if p.MaxSize != nil {
		c.MaxSize = *p.MaxSize
	}
	if p.VideoCodecOptions != nil {
		c.VideoCodecOptions = *p.VideoCodecOptions
	}
	if p.AudioCodec != nil {
		c.AudioCodec = *p.AudioCodec
	}
	if p.LogLevel != nil {
		c.LogLevel = *p.LogLevel
	}
	return c
}

// StreamSessionStatus is a snapshot of one device's mirroring session.
type StreamSessionStatus struct {
	DeviceID  string              `json:"device_id"`
	Status    string              `json:"status"`
	Config    StreamSessionConfig `json:"config"`
	StartedAt *time.Time          `json:"started_at,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
	LastError string              `json:"last_error,omitempty"`
	Port      int                 `json:"port,omitempty"`
	SCID      string              `json:"scid,omitempty"`
}

// Live connection transport modes
const (
	LiveModeWebRTC = "webrtc"
	LiveModeMJPEG  = "mjpeg"
	LiveModeNone   = ""
)

// LiveStats is a delta-based sample of an active video transport.
type LiveStats struct {
	BitrateKbps float64   `json:"bitrate_kbps"`
	FPS         float64   `json:"fps"`
	Bytes       uint64    `json:"bytes"`
	Frames      uint64    `json:"frames"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LiveConnection is the viewer-side transport state for one device.
type LiveConnection struct {
	DeviceID  string     `json:"device_id"`
	Mode      string     `json:"mode"`
	Status    string     `json:"status"`
	MJPEGURL  string     `json:"mjpeg_url,omitempty"`
	Stats     *LiveStats `json:"stats,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// WebRTCOffer is the relayed SDP offer for one device.
type WebRTCOffer struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// WebRTCAnswer is the relayed SDP answer.
type WebRTCAnswer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// WebRTCConfig describes the negotiation environment to viewers.
type WebRTCConfig struct {
	ICEServers         []string `json:"ice_servers"`
	MJPEGAvailable     bool     `json:"mjpeg_available"`
	InputDriver        string   `json:"input_driver,omitempty"`
	InputAllowFallback bool     `json:"input_allow_fallback"`
}
