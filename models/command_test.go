package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ip(v int) *int       { return &v }
func sp(v string) *string { return &v }

func TestCommandRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CommandRequest
		wantErr bool
	}{
		{"tap ok", CommandRequest{Type: CmdTap, CommandPayload: CommandPayload{X: ip(10), Y: ip(20)}}, false},
		{"tap missing y", CommandRequest{Type: CmdTap, CommandPayload: CommandPayload{X: ip(10)}}, true},
		{"tap at origin ok", CommandRequest{Type: CmdTap, CommandPayload: CommandPayload{X: ip(0), Y: ip(0)}}, false},
		{"touch_down ok", CommandRequest{Type: CmdTouchDown, CommandPayload: CommandPayload{X: ip(1), Y: ip(2)}}, false},
		{"touch_move missing coords", CommandRequest{Type: CmdTouchMove}, true},
		{"swipe ok", CommandRequest{Type: CmdSwipe, CommandPayload: CommandPayload{X1: ip(0), Y1: ip(0), X2: ip(100), Y2: ip(100)}}, false},
		{"swipe missing x2", CommandRequest{Type: CmdSwipe, CommandPayload: CommandPayload{X1: ip(0), Y1: ip(0), Y2: ip(100)}}, true},
		{"keyevent ok", CommandRequest{Type: CmdKeyEvent, CommandPayload: CommandPayload{Keycode: sp("KEYCODE_HOME")}}, false},
		{"keyevent empty", CommandRequest{Type: CmdKeyEvent, CommandPayload: CommandPayload{Keycode: sp("")}}, true},
		{"input_text ok", CommandRequest{Type: CmdInputText, CommandPayload: CommandPayload{Text: sp("hello world")}}, false},
		{"input_text empty string ok", CommandRequest{Type: CmdInputText, CommandPayload: CommandPayload{Text: sp("")}}, false},
		{"input_text missing", CommandRequest{Type: CmdInputText}, true},
		{"start_app ok", CommandRequest{Type: CmdStartApp, CommandPayload: CommandPayload{Package: sp("com.tencent.mm")}}, false},
		{"start_app missing package", CommandRequest{Type: CmdStartApp}, true},
		{"back no params", CommandRequest{Type: CmdBack}, false},
		{"home no params", CommandRequest{Type: CmdHome}, false},
		{"recent no params", CommandRequest{Type: CmdRecent}, false},
		{"wait no params", CommandRequest{Type: CmdWait}, false},
		{"empty type", CommandRequest{}, true},
		{"unknown type", CommandRequest{Type: "levitate"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStreamConfigPatchApply(t *testing.T) {
	base := StreamSessionConfig{Video: true, Control: true, MaxFPS: 30, VideoBitRate: 1_000_000, MaxSize: 720}

	assert.Equal(t, base, base.Apply(nil), "nil patch changes nothing")

	audio := true
	fps := 60
	patched := base.Apply(&StreamConfigPatch{Audio: &audio, MaxFPS: &fps})
	assert.True(t, patched.Audio)
	assert.Equal(t, 60, patched.MaxFPS)
	assert.True(t, patched.Video, "untouched fields survive")
	assert.Equal(t, 720, patched.MaxSize)

	off := false
	assert.False(t, base.Apply(&StreamConfigPatch{Video: &off}).Video, "explicit false is applied")
}
