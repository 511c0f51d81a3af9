package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"devicehub/adb"
	"devicehub/models"
	"devicehub/service"
)

// Handlers bundles the services behind the REST surface.
type Handlers struct {
	ADB      *adb.Client
	Commands *service.SessionManager
	Streams  *service.StreamSessionManager
	Live     *service.LiveCoordinator
	Registry *service.ClientRegistry

	ICEServers         []string
	MJPEGAvailable     bool
	InputDriver        string
	InputAllowFallback bool
	OfferTimeout       time.Duration
}

// writeError maps service errors onto HTTP statuses and the coded envelope.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, service.ErrInvalidCommand):
		status, code = http.StatusBadRequest, "invalid_command"
	case errors.Is(err, service.ErrDeviceUnavailable):
		status, code = http.StatusNotFound, "device_unavailable"
	case errors.Is(err, service.ErrConfigLocked):
		status, code = http.StatusConflict, "config_locked"
	case errors.Is(err, service.ErrSessionBusy):
		status, code = http.StatusConflict, "session_busy"
	case errors.Is(err, service.ErrNotAvailable):
		status, code = http.StatusNotImplemented, "not_available"
	case errors.Is(err, service.ErrNegotiationFailed):
		status, code = http.StatusBadGateway, "negotiation_failed"
	}
	c.JSON(status, models.CodedErrorResponse(code, err.Error()))
}

// Health reports service liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status":  "ok",
		"message": "Device hub is running",
	}))
}

// ListDevices merges locally attached devices with agent-reported ones.
func (h *Handlers) ListDevices(c *gin.Context) {
	devices, err := h.ADB.ListDevices()
	if err != nil {
		log.Printf("Device scan failed: %v", err)
		devices = nil
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true
	}
	for _, d := range h.Registry.ListDevices() {
		if !seen[d.ID] {
			devices = append(devices, d)
		}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// ListCommandSessions returns every device command session, local and
// agent-reported alike.
func (h *Handlers) ListCommandSessions(c *gin.Context) {
	sessions := h.Commands.ListSessions()
	seen := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		seen[s.DeviceID] = true
	}
	for _, s := range h.Registry.ListSessions() {
		if !seen[s.DeviceID] {
			sessions = append(sessions, s)
		}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sessions))
}

// GetCommandSession returns one device's command session status.
func (h *Handlers) GetCommandSession(c *gin.Context) {
	deviceID := c.Param("device_id")
	if status, ok := h.Commands.Status(deviceID); ok {
		c.JSON(http.StatusOK, models.SuccessResponse(status))
		return
	}
	if status, ok := h.Registry.GetSession(deviceID); ok {
		c.JSON(http.StatusOK, models.SuccessResponse(status))
		return
	}
	c.JSON(http.StatusNotFound, models.CodedErrorResponse("not_found",
		fmt.Sprintf("no session for device: %s", deviceID)))
}

// EnqueueCommand validates and queues a command for the device.
func (h *Handlers) EnqueueCommand(c *gin.Context) {
	deviceID := c.Param("device_id")
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_command", err.Error()))
		return
	}
	cmd, err := h.Commands.Enqueue(deviceID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(cmd))
}

// ListCommands returns the device's recent commands, newest first.
func (h *Handlers) ListCommands(c *gin.Context) {
	deviceID := c.Param("device_id")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.Commands.ListCommands(deviceID, limit)))
}

// GetCommand returns one command by id from the device's history.
func (h *Handlers) GetCommand(c *gin.Context) {
	deviceID := c.Param("device_id")
	commandID := c.Param("command_id")
	cmd, ok := h.Commands.GetCommand(deviceID, commandID)
	if !ok {
		c.JSON(http.StatusNotFound, models.CodedErrorResponse("not_found",
			fmt.Sprintf("no command %s for device: %s", commandID, deviceID)))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(cmd))
}

// ClearQueue drops the device's queued commands. The running command, if
// any, finishes normally.
func (h *Handlers) ClearQueue(c *gin.Context) {
	deviceID := c.Param("device_id")
	cleared := h.Commands.ClearQueue(deviceID)
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"cleared": cleared}))
}

// CloseCommandSession shuts down the device's worker and forgets its state.
func (h *Handlers) CloseCommandSession(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !h.Commands.Close(deviceID) {
		c.JSON(http.StatusNotFound, models.CodedErrorResponse("not_found",
			fmt.Sprintf("no session for device: %s", deviceID)))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("session closed"))
}

// ListStreamSessions returns every known stream session.
func (h *Handlers) ListStreamSessions(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.Streams.ListSessions()))
}

// GetStreamSession returns one device's stream session status.
func (h *Handlers) GetStreamSession(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.Streams.GetStatus(c.Param("device_id"))))
}

// bindPatch reads an optional config patch from the request body.
func bindPatch(c *gin.Context) (*models.StreamConfigPatch, error) {
	if c.Request.ContentLength == 0 {
		return nil, nil
	}
	var patch models.StreamConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

// StartStream starts the device's mirror session.
func (h *Handlers) StartStream(c *gin.Context) {
	deviceID := c.Param("device_id")
	patch, err := bindPatch(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_config", err.Error()))
		return
	}
	if h.Registry != nil && !h.Registry.DeviceAvailable(deviceID) {
		writeError(c, fmt.Errorf("%w: agent for %s is offline", service.ErrDeviceUnavailable, deviceID))
		return
	}
	status, err := h.Streams.Start(deviceID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

// StopStream stops the device's mirror session.
func (h *Handlers) StopStream(c *gin.Context) {
	status, err := h.Streams.Stop(c.Param("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

// RestartStream tears down and relaunches the device's mirror session.
func (h *Handlers) RestartStream(c *gin.Context) {
	deviceID := c.Param("device_id")
	patch, err := bindPatch(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_config", err.Error()))
		return
	}
	if h.Registry != nil && !h.Registry.DeviceAvailable(deviceID) {
		writeError(c, fmt.Errorf("%w: agent for %s is offline", service.ErrDeviceUnavailable, deviceID))
		return
	}
	status, err := h.Streams.Restart(deviceID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

// UpdateStreamConfig merges new settings into a stopped session's config.
func (h *Handlers) UpdateStreamConfig(c *gin.Context) {
	deviceID := c.Param("device_id")
	patch, err := bindPatch(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_config", err.Error()))
		return
	}
	status, err := h.Streams.UpdateConfig(deviceID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

// StreamMJPEG serves a multipart screenshot loop as the degraded viewing
// path. Roughly 5 fps; good enough to keep an operator oriented when
// WebRTC is down.
func (h *Handlers) StreamMJPEG(c *gin.Context) {
	deviceID := c.Param("device_id")
	c.Writer.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := h.ADB.ScreenCapture(deviceID)
		if err != nil {
			log.Printf("[%s] MJPEG capture failed: %v", deviceID, err)
			return
		}
		_, err = fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/png\r\nContent-Length: %d\r\n\r\n", len(frame))
		if err != nil {
			return
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return
		}
		if _, err := fmt.Fprint(c.Writer, "\r\n"); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// WebRTCConfig describes the negotiation environment to viewers.
func (h *Handlers) WebRTCConfig(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(models.WebRTCConfig{
		ICEServers:         h.ICEServers,
		MJPEGAvailable:     h.MJPEGAvailable,
		InputDriver:        h.InputDriver,
		InputAllowFallback: h.InputAllowFallback,
	}))
}

// RelayOffer forwards a viewer's SDP offer to the device's agent and
// returns the answer.
func (h *Handlers) RelayOffer(c *gin.Context) {
	var offer models.WebRTCOffer
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_offer", err.Error()))
		return
	}
	if offer.DeviceID == "" || offer.SDP == "" {
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_offer", "device_id and sdp are required"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.OfferTimeout)
	defer cancel()
	answer, err := h.Registry.Offer(ctx, offer)
	if err != nil {
		if errors.Is(err, service.ErrNotAvailable) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, models.CodedErrorResponse("relay_failed", err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(answer))
}

// ConnectLive establishes a live viewing connection for the device.
func (h *Handlers) ConnectLive(c *gin.Context) {
	conn, err := h.Live.Connect(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(conn))
}

// GetLive returns the device's live connection state.
func (h *Handlers) GetLive(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.Live.Status(c.Param("device_id"))))
}

// DisconnectLive tears down the device's live connection.
func (h *Handlers) DisconnectLive(c *gin.Context) {
	h.Live.Teardown(c.Param("device_id"))
	c.JSON(http.StatusOK, models.MessageResponse("live connection closed"))
}
