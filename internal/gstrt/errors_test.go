package gstrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		debug   string
		want    ErrorCategory
	}{
		{
			name:    "not negotiated",
			message: "Internal data stream error.",
			debug:   "streaming stopped, reason not-negotiated (-4)",
			want:    CategoryNegotiation,
		},
		{
			name:    "not linked",
			message: "Internal data stream error.",
			debug:   "streaming stopped, reason not-linked (-1)",
			want:    CategoryNegotiation,
		},
		{
			name:    "device busy",
			message: "Could not open device '/dev/video0' for reading and writing.",
			debug:   "system error: Device or resource busy",
			want:    CategoryDevice,
		},
		{
			name:    "encoder",
			message: "Can not initialize x264 encoder.",
			want:    CategoryCodec,
		},
		{
			name:    "udp",
			message: "Could not send data.",
			debug:   "../gst/udp/gstmultiudpsink.c: Error sending UDP packets",
			want:    CategoryNetwork,
		},
		{
			name:    "unknown",
			message: "Something odd happened",
			want:    CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message, tt.debug))
		})
	}
}

func TestErrorCategory_String(t *testing.T) {
	assert.Equal(t, "network", CategoryNetwork.String())
	assert.Equal(t, "negotiation", CategoryNegotiation.String())
	assert.Equal(t, "device", CategoryDevice.String())
	assert.Equal(t, "codec", CategoryCodec.String())
	assert.Equal(t, "unknown", CategoryUnknown.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}

func TestBusError(t *testing.T) {
	err := &BusError{Source: "udpsink0", Message: "Could not send data.", Category: CategoryNetwork}
	assert.Equal(t, "gstrt: network error from udpsink0: Could not send data.", err.Error())

	unknown := newBusError("src", nil)
	assert.Equal(t, CategoryUnknown, unknown.Category)
}
