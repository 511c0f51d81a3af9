package service

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Control message types (scrcpy 3.x protocol)
const (
	ctrlInjectKeycode = 0
	ctrlInjectText    = 1
	ctrlSetClipboard  = 9
)

// Android key event actions
const (
	keyActionDown = 0
	keyActionUp   = 1
)

// androidKeycodes maps the symbolic names accepted by "adb shell input
// keyevent" onto the numeric codes the scrcpy control socket expects.
var androidKeycodes = map[string]int{
	"KEYCODE_HOME":        3,
	"KEYCODE_BACK":        4,
	"KEYCODE_DPAD_UP":     19,
	"KEYCODE_DPAD_DOWN":   20,
	"KEYCODE_DPAD_LEFT":   21,
	"KEYCODE_DPAD_RIGHT":  22,
	"KEYCODE_VOLUME_UP":   24,
	"KEYCODE_VOLUME_DOWN": 25,
	"KEYCODE_POWER":       26,
	"KEYCODE_TAB":         61,
	"KEYCODE_SPACE":       62,
	"KEYCODE_ENTER":       66,
	"KEYCODE_DEL":         67,
	"KEYCODE_ESCAPE":      111,
	"KEYCODE_APP_SWITCH":  187,
}

// AndroidKeycode resolves a numeric or symbolic keycode string to its
// numeric value.
func AndroidKeycode(keycode string) (int, bool) {
	if code, err := strconv.Atoi(keycode); err == nil {
		return code, true
	}
	code, ok := androidKeycodes[strings.ToUpper(keycode)]
	return code, ok
}

// serializeKeycode creates a binary message for key injection.
// Format: [type:1] [action:1] [keycode:4] [repeat:4] [metastate:4] = 14 bytes
func serializeKeycode(action, keycode, repeat, metastate int) []byte {
	buf := make([]byte, 14)
	buf[0] = ctrlInjectKeycode
	buf[1] = byte(action)
	binary.BigEndian.PutUint32(buf[2:6], uint32(keycode))
	binary.BigEndian.PutUint32(buf[6:10], uint32(repeat))
	binary.BigEndian.PutUint32(buf[10:14], uint32(metastate))
	return buf
}

// serializeKeyPress is a full press: a DOWN message followed by an UP one.
func serializeKeyPress(keycode int) []byte {
	msg := serializeKeycode(keyActionDown, keycode, 0, 0)
	return append(msg, serializeKeycode(keyActionUp, keycode, 0, 0)...)
}

// serializeText creates a binary message for text injection.
// Format: [type:1] [length:4] [text:N] = 5+N bytes
// Max text length: 300 bytes (SC_CONTROL_MSG_INJECT_TEXT_MAX_LENGTH)
func serializeText(text string) []byte {
	textBytes := []byte(text)
	if len(textBytes) > 300 {
		textBytes = textBytes[:300]
	}
	buf := make([]byte, 5+len(textBytes))
	buf[0] = ctrlInjectText
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(textBytes)))
	copy(buf[5:], textBytes)
	return buf
}

// serializeClipboard creates a binary message for clipboard set.
// Format: [type:1] [sequence:8] [paste:1] [length:4] [text:N] = 14+N bytes
func serializeClipboard(text string, paste bool, sequence uint64) []byte {
	textBytes := []byte(text)
	buf := make([]byte, 14+len(textBytes))
	buf[0] = ctrlSetClipboard
	binary.BigEndian.PutUint64(buf[1:9], sequence)
	if paste {
		buf[9] = 1
	}
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(textBytes)))
	copy(buf[14:], textBytes)
	return buf
}
