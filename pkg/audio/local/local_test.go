package local

import (
	"errors"
	"testing"

	"github.com/MrWong99/duet/pkg/audio"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want audio.DeviceCause
	}{
		{msg: "Permission denied by host", want: audio.CausePermissionDenied},
		{msg: "Invalid device", want: audio.CauseNotFound},
		{msg: "Device unavailable", want: audio.CauseUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			t.Parallel()
			err := classify("mic", errors.New(tt.msg))
			var de *audio.DeviceError
			if !errors.As(err, &de) {
				t.Fatalf("classify returned %T, want *audio.DeviceError", err)
			}
			if de.Cause != tt.want {
				t.Errorf("Cause = %v, want %v", de.Cause, tt.want)
			}
			if de.Device != "mic" {
				t.Errorf("Device = %q, want mic", de.Device)
			}
		})
	}
}
