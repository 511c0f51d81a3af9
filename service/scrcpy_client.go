package service

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"os/exec"
	"sync"
	"time"

	"devicehub/adb"
	"devicehub/models"
)

// ScrcpyClient manages one scrcpy server process for a single device,
// built for the scrcpy 3.x protocol. It pushes the server jar, forwards a
// local port to the scid-named abstract socket, starts the server with the
// session's config and holds the stream sockets open. Media is consumed by
// external viewers; this client only owns lifecycle and the control socket.
type ScrcpyClient struct {
	adbClient  *adb.Client
	deviceID   string
	config     models.StreamSessionConfig
	serverJar  string
	remotePath string
	version    string

	mu        sync.Mutex
	localPort int
	scid      uint32
	serverCmd *exec.Cmd
	videoConn net.Conn
	audioConn net.Conn
	ctrlConn  net.Conn
	clipSeq   uint64
	running   bool
}

func NewScrcpyClient(adbClient *adb.Client, deviceID string, cfg models.StreamSessionConfig, serverJar, remotePath, version string) *ScrcpyClient {
	return &ScrcpyClient{
		adbClient:  adbClient,
		deviceID:   deviceID,
		config:     cfg,
		serverJar:  serverJar,
		remotePath: remotePath,
		version:    version,
	}
}

// Start deploys and launches the scrcpy server, then connects the stream
// sockets in protocol order (video, audio, control). Returns once the
// session is ready or cleans up and reports the failure.
func (c *ScrcpyClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if !c.config.Video && !c.config.Audio && !c.config.Control {
		return fmt.Errorf("no streams enabled")
	}

	// Server parses scid as signed 32-bit hex, so keep bit 31 clear
	c.scid = rand.Uint32() & 0x7FFFFFFF

	log.Printf("[%s] Pushing scrcpy-server...", c.deviceID)
	if err := c.adbClient.PushFile(c.deviceID, c.serverJar, c.remotePath); err != nil {
		return fmt.Errorf("failed to push scrcpy server: %w", err)
	}

	c.localPort = findFreePort()
	if c.localPort == 0 {
		return fmt.Errorf("failed to find free port")
	}

	socketName := fmt.Sprintf("scrcpy_%08x", c.scid)
	if err := c.adbClient.Forward(c.deviceID, c.localPort, socketName); err != nil {
		return fmt.Errorf("failed to setup ADB forward: %w", err)
	}

	log.Printf("[%s] Starting scrcpy server (port=%d, scid=%08x)", c.deviceID, c.localPort, c.scid)
	cmd, err := c.adbClient.ExecuteCommandBackground(c.deviceID, c.serverArgs())
	if err != nil {
		c.cleanup()
		return fmt.Errorf("failed to start scrcpy server: %w", err)
	}
	c.serverCmd = cmd

	// app_process needs a moment before the socket exists
	time.Sleep(1500 * time.Millisecond)

	if c.config.Video {
		conn, err := c.connectWithRetry(10, 300*time.Millisecond)
		if err != nil {
			c.cleanup()
			return fmt.Errorf("failed to connect video socket: %w", err)
		}
		c.videoConn = conn
	}
	if c.config.Audio {
		conn, err := c.connectWithRetry(5, 200*time.Millisecond)
		if err != nil {
			c.cleanup()
			return fmt.Errorf("failed to connect audio socket: %w", err)
		}
		c.audioConn = conn
	}
	if c.config.Control {
		conn, err := c.connectWithRetry(5, 200*time.Millisecond)
		if err != nil {
			log.Printf("[%s] Control socket failed, input injection via adb only: %v", c.deviceID, err)
		} else {
			c.ctrlConn = conn
		}
	}

	c.running = true
	log.Printf("[%s] Scrcpy session ready (video=%v audio=%v control=%v)",
		c.deviceID, c.config.Video, c.config.Audio, c.ctrlConn != nil)
	return nil
}

// serverArgs builds the app_process command line from the session config.
func (c *ScrcpyClient) serverArgs() []string {
	args := []string{
		"CLASSPATH=" + c.remotePath,
		"app_process",
		"/",
		"com.genymobile.scrcpy.Server",
		c.version,
		fmt.Sprintf("scid=%08x", c.scid),
		"tunnel_forward=true",
		fmt.Sprintf("audio=%t", c.config.Audio),
		fmt.Sprintf("control=%t", c.config.Control),
		"send_device_meta=false",
		"send_dummy_byte=false",
		"send_codec_meta=false",
		"raw_stream=true",
		"cleanup=false",
	}
	if c.config.LogLevel != "" {
		args = append(args, "log_level="+c.config.LogLevel)
	}
	if c.config.Video {
		args = append(args,
			"video_codec=h264",
			fmt.Sprintf("max_fps=%d", maxInt(1, c.config.MaxFPS)),
			fmt.Sprintf("video_bit_rate=%d", maxInt(1, c.config.VideoBitRate)),
		)
		if c.config.MaxSize > 0 {
			args = append(args, fmt.Sprintf("max_size=%d", c.config.MaxSize))
		}
		if c.config.VideoCodecOptions != "" {
			args = append(args, "video_codec_options="+c.config.VideoCodecOptions)
		}
	} else {
		args = append(args, "video=false")
	}
	if c.config.Audio && c.config.AudioCodec != "" {
		args = append(args, "audio_codec="+c.config.AudioCodec)
	}
	return args
}

// Stop terminates the scrcpy server and cleans up resources.
func (c *ScrcpyClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
	c.running = false
}

// cleanup releases all resources (must be called while holding mutex)
func (c *ScrcpyClient) cleanup() {
	for _, conn := range []net.Conn{c.videoConn, c.audioConn, c.ctrlConn} {
		if conn != nil {
			conn.Close()
		}
	}
	c.videoConn, c.audioConn, c.ctrlConn = nil, nil, nil

	if c.serverCmd != nil && c.serverCmd.Process != nil {
		log.Printf("[%s] Killing scrcpy server process...", c.deviceID)
		c.serverCmd.Process.Kill()
		c.serverCmd.Wait()
		c.serverCmd = nil
	}

	if c.localPort > 0 {
		if err := c.adbClient.RemoveForward(c.deviceID, c.localPort); err != nil {
			log.Printf("[%s] Failed to remove forward: %v", c.deviceID, err)
		}
		c.localPort = 0
	}
}

func (c *ScrcpyClient) connectWithRetry(maxRetries int, delay time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", c.localPort)
	for i := 0; i < maxRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect after %d retries", maxRetries)
}

// Port returns the forwarded local TCP port.
func (c *ScrcpyClient) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPort
}

// SCID returns the session connection id in the 8-digit hex form the server
// was started with.
func (c *ScrcpyClient) SCID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scid == 0 {
		return ""
	}
	return fmt.Sprintf("%08x", c.scid)
}

// SendControl sends raw bytes to the control socket.
func (c *ScrcpyClient) SendControl(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctrlConn == nil {
		return fmt.Errorf("control socket not connected")
	}
	_, err := c.ctrlConn.Write(data)
	return err
}

// SendKeyPress sends a full key press (down then up).
func (c *ScrcpyClient) SendKeyPress(keycode int) error {
	return c.SendControl(serializeKeyPress(keycode))
}

// SendText injects text directly (bypasses keyboard).
func (c *ScrcpyClient) SendText(text string) error {
	return c.SendControl(serializeText(text))
}

// SendClipboard sets the Android clipboard and optionally pastes.
func (c *ScrcpyClient) SendClipboard(text string, paste bool) error {
	c.mu.Lock()
	c.clipSeq++
	seq := c.clipSeq
	c.mu.Unlock()
	return c.SendControl(serializeClipboard(text, paste, seq))
}

// HasControl returns whether the control socket is available.
func (c *ScrcpyClient) HasControl() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrlConn != nil
}

// findFreePort finds an available TCP port.
func findFreePort() int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ScrcpyLauncher creates scrcpy sessions on demand and keeps a registry of
// the live ones so the input path can reach their control sockets.
type ScrcpyLauncher struct {
	adbClient  *adb.Client
	serverJar  string
	remotePath string
	version    string

	mu      sync.RWMutex
	clients map[string]*ScrcpyClient
}

func NewScrcpyLauncher(adbClient *adb.Client, serverJar, remotePath, version string) *ScrcpyLauncher {
	return &ScrcpyLauncher{
		adbClient:  adbClient,
		serverJar:  serverJar,
		remotePath: remotePath,
		version:    version,
		clients:    make(map[string]*ScrcpyClient),
	}
}

// Launch starts a scrcpy session for the device with the given config.
func (l *ScrcpyLauncher) Launch(deviceID string, cfg models.StreamSessionConfig) (MirrorProcess, error) {
	client := NewScrcpyClient(l.adbClient, deviceID, cfg, l.serverJar, l.remotePath, l.version)
	if err := client.Start(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.clients[deviceID] = client
	l.mu.Unlock()
	return &launchedClient{ScrcpyClient: client, launcher: l, deviceID: deviceID}, nil
}

func (l *ScrcpyLauncher) lookup(deviceID string) *ScrcpyClient {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clients[deviceID]
}

func (l *ScrcpyLauncher) remove(deviceID string, client *ScrcpyClient) {
	l.mu.Lock()
	if current, ok := l.clients[deviceID]; ok && current == client {
		delete(l.clients, deviceID)
	}
	l.mu.Unlock()
}

// HasControl implements ControlInjector.
func (l *ScrcpyLauncher) HasControl(deviceID string) bool {
	client := l.lookup(deviceID)
	return client != nil && client.HasControl()
}

// SendKeyEvent implements ControlInjector.
func (l *ScrcpyLauncher) SendKeyEvent(deviceID string, keycode int) error {
	client := l.lookup(deviceID)
	if client == nil {
		return fmt.Errorf("no scrcpy session for device: %s", deviceID)
	}
	return client.SendKeyPress(keycode)
}

// SendText implements ControlInjector.
func (l *ScrcpyLauncher) SendText(deviceID string, text string) error {
	client := l.lookup(deviceID)
	if client == nil {
		return fmt.Errorf("no scrcpy session for device: %s", deviceID)
	}
	return client.SendText(text)
}

// launchedClient couples a running client to the launcher registry so Stop
// deregisters the control channel.
type launchedClient struct {
	*ScrcpyClient
	launcher *ScrcpyLauncher
	deviceID string
}

func (p *launchedClient) Stop() {
	p.launcher.remove(p.deviceID, p.ScrcpyClient)
	p.ScrcpyClient.Stop()
}
