package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"devicehub/models"
)

const (
	// Server configuration
	HTTPAddr = ":8080"

	// Database path for persisted stream configs
	DatabasePath = "./data/devicehub.db"

	// Scrcpy server deployment
	ScrcpyServerLocalPath  = "./assets/scrcpy-server"
	ScrcpyServerRemotePath = "/data/local/tmp/scrcpy-server.jar"
	ScrcpyServerVersion    = "3.3.3"
)

// Presence thresholds: a client silent past InactiveThreshold is shown
// offline; past EvictThreshold its registration is dropped entirely.
var (
	InactiveThreshold = getEnvDuration("PRESENCE_INACTIVE_THRESHOLD", 30*time.Second)
	EvictThreshold    = getEnvDuration("PRESENCE_EVICT_THRESHOLD", 5*time.Minute)
	SweepInterval     = getEnvDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second)
)

// Live connection coordinator tuning
var (
	FallbackTimeout  = getEnvDuration("LIVE_FALLBACK_TIMEOUT", 4000*time.Millisecond)
	StatsInterval    = getEnvDuration("LIVE_STATS_INTERVAL", 1000*time.Millisecond)
	RetryAttempts    = getEnvInt("LIVE_RETRY_ATTEMPTS", 2)
	RetryDelay       = getEnvDuration("LIVE_RETRY_DELAY", 800*time.Millisecond)
	ICEGatherTimeout = getEnvDuration("LIVE_ICE_GATHER_TIMEOUT", 5*time.Second)
	OfferTimeout     = getEnvDuration("LIVE_OFFER_TIMEOUT", 10*time.Second)
)

// Input injection routing
var (
	ADBPath            = getEnv("ADB_PATH", "adb")
	InputDriver        = getEnv("INPUT_DRIVER", "adb") // adb or scrcpy
	InputAllowFallback = getEnvBool("INPUT_ALLOW_FALLBACK", true)
	MJPEGAvailable     = getEnvBool("MJPEG_AVAILABLE", true)
	MJPEGBaseURL       = getEnv("MJPEG_BASE_URL", "/api/stream")
	CommandHistory     = getEnvInt("COMMAND_HISTORY_LIMIT", 200)
)

// ICEServers returns the STUN/TURN URLs advertised to viewers.
func ICEServers() []string {
	raw := getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302")
	if raw == "" {
		return nil
	}
	var urls []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

// DefaultStreamConfig returns the mirroring parameters used when a device has
// no stored config.
func DefaultStreamConfig() models.StreamSessionConfig {
	return models.StreamSessionConfig{
		Video:        true,
		Audio:        false,
		Control:      true,
		MaxFPS:       getEnvInt("STREAM_MAX_FPS", 30),
		VideoBitRate: getEnvInt("STREAM_BITRATE", 1_000_000),
		MaxSize:      getEnvInt("STREAM_MAX_SIZE", 720),
		LogLevel:     getEnv("STREAM_LOG_LEVEL", ""),
	}
}

// getEnv gets environment variable with fallback default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
