package adb

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"devicehub/models"
)

// Client wraps ADB command execution. All injection methods target a single
// device via -s <serial>, so commands for one device are inherently
// sequential as long as the caller serializes calls per device.
type Client struct {
	ADBPath string

	mu          sync.Mutex
	resolutions map[string][2]int // serial -> width, height
}

// NewClient creates an ADB client using the given binary path.
func NewClient(adbPath string) *Client {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Client{
		ADBPath:     adbPath,
		resolutions: make(map[string][2]int),
	}
}

// ListDevices returns connected Android devices. When the same physical
// device shows up over both USB and WiFi, the WiFi entry wins.
func (c *Client) ListDevices() ([]models.Device, error) {
	cmd := exec.Command(c.ADBPath, "devices", "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devices := c.parseDeviceList(string(output))
	return c.deduplicateDevices(devices), nil
}

func (c *Client) parseDeviceList(output string) []models.Device {
	var devices []models.Device
	for i, line := range strings.Split(output, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		serial, state := parts[0], parts[1]
		if state != "device" {
			continue
		}
		// The serial doubles as the device id: every API path and every
		// adb -s call addresses the device by it.
		device := models.Device{
			ID:          serial,
			ADBDeviceID: serial,
			Name:        serial,
			Status:      "online",
		}
		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				device.Name = strings.ReplaceAll(strings.TrimPrefix(part, "model:"), "_", " ")
			}
		}
		if version, err := c.getProperty(serial, "ro.build.version.release"); err == nil {
			device.AndroidVersion = strings.TrimSpace(version)
		}
		if w, h, err := c.ScreenSize(serial); err == nil {
			device.Resolution = fmt.Sprintf("%dx%d", w, h)
		}
		devices = append(devices, device)
	}
	return devices
}

func (c *Client) deduplicateDevices(devices []models.Device) []models.Device {
	bySerial := make(map[string]models.Device)
	order := make([]string, 0, len(devices))
	for i := range devices {
		hwSerial := c.hardwareSerial(devices[i].ADBDeviceID)
		if hwSerial == "" {
			hwSerial = devices[i].ADBDeviceID
		}
		devices[i].HardwareSerial = hwSerial
		existing, exists := bySerial[hwSerial]
		if !exists {
			bySerial[hwSerial] = devices[i]
			order = append(order, hwSerial)
			continue
		}
		// Prefer WiFi (ip:port serials) over USB
		if isWiFiConnection(devices[i].ADBDeviceID) && !isWiFiConnection(existing.ADBDeviceID) {
			bySerial[hwSerial] = devices[i]
		}
	}
	result := make([]models.Device, 0, len(bySerial))
	for _, key := range order {
		result = append(result, bySerial[key])
	}
	return result
}

func (c *Client) hardwareSerial(serial string) string {
	out, err := exec.Command(c.ADBPath, "-s", serial, "shell", "getprop", "ro.serialno").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func isWiFiConnection(serial string) bool {
	return strings.Contains(serial, ":")
}

func (c *Client) getProperty(serial, property string) (string, error) {
	out, err := exec.Command(c.ADBPath, "-s", serial, "shell", "getprop", property).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ScreenSize returns the device resolution in pixels. The override size
// takes precedence over the physical size when set. Results are cached.
func (c *Client) ScreenSize(serial string) (width, height int, err error) {
	c.mu.Lock()
	if cached, ok := c.resolutions[serial]; ok {
		c.mu.Unlock()
		return cached[0], cached[1], nil
	}
	c.mu.Unlock()

	out, err := exec.Command(c.ADBPath, "-s", serial, "shell", "wm", "size").Output()
	if err != nil {
		return 0, 0, fmt.Errorf("wm size failed: %w", err)
	}
	var physical, override string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(line, "Physical size:"); ok {
			physical = strings.TrimSpace(value)
		}
		if value, ok := strings.CutPrefix(line, "Override size:"); ok {
			override = strings.TrimSpace(value)
		}
	}
	size := override
	if size == "" {
		size = physical
	}
	w, h, ok := parseResolution(size)
	if !ok {
		return 0, 0, fmt.Errorf("unparseable screen size %q", size)
	}
	c.mu.Lock()
	c.resolutions[serial] = [2]int{w, h}
	c.mu.Unlock()
	return w, h, nil
}

func parseResolution(size string) (w, h int, ok bool) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// ScreenCapture captures the device screen and returns PNG bytes.
func (c *Client) ScreenCapture(serial string) ([]byte, error) {
	cmd := exec.Command(c.ADBPath, "-s", serial, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencap failed: %w, stderr: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// SendTap sends a tap event to the device.
func (c *Client) SendTap(serial string, x, y int) error {
	return c.runInput(serial, "tap", strconv.Itoa(x), strconv.Itoa(y))
}

// SendSwipe sends a swipe gesture to the device.
func (c *Client) SendSwipe(serial string, x1, y1, x2, y2, durationMS int) error {
	return c.runInput(serial, "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMS))
}

// SendMotionEvent injects a single touch phase (DOWN, MOVE or UP). The queue
// guarantees DOWN precedes MOVE precedes UP for one gesture, so each phase
// maps to one shell call.
func (c *Client) SendMotionEvent(serial, action string, x, y int) error {
	return c.runInput(serial, "motionevent", action, strconv.Itoa(x), strconv.Itoa(y))
}

// SendText sends text input to the device.
func (c *Client) SendText(serial, text string) error {
	// input text treats spaces as argument separators
	escaped := strings.ReplaceAll(text, " ", "%s")
	return c.runInput(serial, "text", escaped)
}

// SendKeyEvent sends a key event; keycode may be numeric ("4") or symbolic
// ("KEYCODE_BACK").
func (c *Client) SendKeyEvent(serial, keycode string) error {
	return c.runInput(serial, "keyevent", keycode)
}

func (c *Client) runInput(serial string, args ...string) error {
	full := append([]string{"-s", serial, "shell", "input"}, args...)
	cmd := exec.Command(c.ADBPath, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("input %s failed: %w, stderr: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// StartApp launches an app, either by explicit activity or via the launcher
// intent when only the package is known.
func (c *Client) StartApp(serial, pkg, activity string) error {
	var cmd *exec.Cmd
	if activity != "" {
		component := pkg + "/" + activity
		cmd = exec.Command(c.ADBPath, "-s", serial, "shell", "am", "start", "-n", component)
	} else {
		cmd = exec.Command(c.ADBPath, "-s", serial, "shell", "monkey", "-p", pkg,
			"-c", "android.intent.category.LAUNCHER", "1")
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("app launch failed: %w", err)
	}
	return nil
}

// PushFile pushes a file to the device.
func (c *Client) PushFile(serial, localPath, remotePath string) error {
	if err := exec.Command(c.ADBPath, "-s", serial, "push", localPath, remotePath).Run(); err != nil {
		return fmt.Errorf("file push failed: %w", err)
	}
	return nil
}

// Forward creates ADB port forwarding from a local TCP port to a remote
// abstract socket, e.g. tcp:27183 -> localabstract:scrcpy_0000002f.
func (c *Client) Forward(serial string, localPort int, remoteSocket string) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		fmt.Sprintf("localabstract:%s", remoteSocket))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward failed: %w", err)
	}
	return nil
}

// RemoveForward removes ADB port forwarding for the specified local port.
func (c *Client) RemoveForward(serial string, localPort int) error {
	cmd := exec.Command(c.ADBPath, "-s", serial, "forward", "--remove",
		fmt.Sprintf("tcp:%d", localPort))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adb forward remove failed: %w", err)
	}
	return nil
}

// ExecuteCommandBackground starts a non-blocking shell command on the device.
// Returns the exec.Cmd for process management (caller must handle cleanup).
func (c *Client) ExecuteCommandBackground(serial string, args []string) (*exec.Cmd, error) {
	fullArgs := append([]string{"-s", serial, "shell"}, args...)
	cmd := exec.Command(c.ADBPath, fullArgs...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start background command: %w", err)
	}
	return cmd, nil
}
