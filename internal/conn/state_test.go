package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUIState(t *testing.T) {
	tests := []struct {
		state   State
		connect bool
		send    bool
	}{
		{StateIdle, true, false},
		{StateRegistering, false, false},
		{StateConnecting, false, false},
		{StateOpen, false, true},
		{StateClosing, false, false},
		{StateClosed, true, false},
		{StateFailed, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			ui := DeriveUIState(tt.state)
			assert.Equal(t, tt.connect, ui.ConnectEnabled, "ConnectEnabled")
			assert.Equal(t, tt.send, ui.SendEnabled, "SendEnabled")
		})
	}
}
