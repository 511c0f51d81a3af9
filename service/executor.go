package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"devicehub/adb"
	"devicehub/models"
)

// ControlInjector injects keys and text through a mirroring session's
// control socket, bypassing the slower shell input path.
type ControlInjector interface {
	HasControl(deviceID string) bool
	SendKeyEvent(deviceID string, keycode int) error
	SendText(deviceID string, text string) error
}

// ADBExecutor executes device commands via ADB shell input, optionally
// routing keys and text through a scrcpy control socket when the input
// driver is set to "scrcpy".
type ADBExecutor struct {
	adb           *adb.Client
	control       ControlInjector
	driver        string // "adb" or "scrcpy"
	allowFallback bool
}

func NewADBExecutor(client *adb.Client, control ControlInjector, driver string, allowFallback bool) *ADBExecutor {
	if driver == "" {
		driver = "adb"
	}
	return &ADBExecutor{
		adb:           client,
		control:       control,
		driver:        driver,
		allowFallback: allowFallback,
	}
}

// Execute dispatches one command to the device. The caller guarantees
// sequential invocation per device.
func (e *ADBExecutor) Execute(ctx context.Context, deviceID string, cmd *models.DeviceCommand) error {
	p := cmd.Payload
	switch cmd.Type {
	case models.CmdTap:
		x, y := e.mapPoint(deviceID, *p.X, *p.Y, p.ScreenWidth, p.ScreenHeight)
		return e.adb.SendTap(deviceID, x, y)

	case models.CmdSwipe:
		x1, y1 := e.mapPoint(deviceID, *p.X1, *p.Y1, p.ScreenWidth, p.ScreenHeight)
		x2, y2 := e.mapPoint(deviceID, *p.X2, *p.Y2, p.ScreenWidth, p.ScreenHeight)
		duration := 300
		if p.DurationMS != nil {
			duration = *p.DurationMS
		}
		return e.adb.SendSwipe(deviceID, x1, y1, x2, y2, duration)

	case models.CmdTouchDown:
		x, y := e.mapPoint(deviceID, *p.X, *p.Y, p.ScreenWidth, p.ScreenHeight)
		return e.adb.SendMotionEvent(deviceID, "DOWN", x, y)

	case models.CmdTouchMove:
		x, y := e.mapPoint(deviceID, *p.X, *p.Y, p.ScreenWidth, p.ScreenHeight)
		return e.adb.SendMotionEvent(deviceID, "MOVE", x, y)

	case models.CmdTouchUp:
		x, y := e.mapPoint(deviceID, *p.X, *p.Y, p.ScreenWidth, p.ScreenHeight)
		return e.adb.SendMotionEvent(deviceID, "UP", x, y)

	case models.CmdKeyEvent:
		return e.sendKey(deviceID, *p.Keycode)

	case models.CmdInputText:
		return e.sendText(deviceID, *p.Text)

	case models.CmdStartApp:
		activity := ""
		if p.Activity != nil {
			activity = *p.Activity
		}
		return e.adb.StartApp(deviceID, *p.Package, activity)

	case models.CmdBack:
		return e.sendKey(deviceID, "4")
	case models.CmdHome:
		return e.sendKey(deviceID, "3")
	case models.CmdRecent:
		return e.sendKey(deviceID, "187")

	case models.CmdWait:
		waitMS := 0
		if p.WaitMS != nil {
			waitMS = *p.WaitMS
		}
		if waitMS <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(waitMS) * time.Millisecond):
			return nil
		}
	}
	return fmt.Errorf("%w: unknown type %s", ErrInvalidCommand, cmd.Type)
}

// sendKey routes a key through the scrcpy control socket when the driver is
// scrcpy and the socket is up, otherwise through adb shell input.
func (e *ADBExecutor) sendKey(deviceID, keycode string) error {
	if e.driver == "scrcpy" && e.control != nil && e.control.HasControl(deviceID) {
		code, ok := AndroidKeycode(keycode)
		if ok {
			if err := e.control.SendKeyEvent(deviceID, code); err == nil {
				return nil
			} else if !e.allowFallback {
				return fmt.Errorf("scrcpy keyevent failed: %w", err)
			}
			log.Printf("[%s] Control socket keyevent failed, falling back to adb", deviceID)
		}
	}
	return e.adb.SendKeyEvent(deviceID, keycode)
}

func (e *ADBExecutor) sendText(deviceID, text string) error {
	if e.driver == "scrcpy" && e.control != nil && e.control.HasControl(deviceID) {
		if err := e.control.SendText(deviceID, text); err == nil {
			return nil
		} else if !e.allowFallback {
			return fmt.Errorf("scrcpy text failed: %w", err)
		}
		log.Printf("[%s] Control socket text failed, falling back to adb", deviceID)
	}
	return e.adb.SendText(deviceID, text)
}

// mapPoint scales viewer coordinates to the device's real resolution when
// the command carries the screen dimensions it was captured against.
func (e *ADBExecutor) mapPoint(deviceID string, x, y int, screenW, screenH *int) (int, int) {
	if screenW == nil || screenH == nil || *screenW <= 0 || *screenH <= 0 {
		return x, y
	}
	realW, realH, err := e.adb.ScreenSize(deviceID)
	if err != nil || realW <= 0 || realH <= 0 {
		return x, y
	}
	return x * realW / *screenW, y * realH / *screenH
}
