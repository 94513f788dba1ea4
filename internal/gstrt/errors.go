package gstrt

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies a GStreamer bus error for logging
type ErrorCategory int

const (
	// CategoryNetwork covers socket and sink failures (unreachable peer, bind)
	CategoryNetwork ErrorCategory = iota
	// CategoryNegotiation covers caps and linking failures
	CategoryNegotiation
	// CategoryDevice covers capture device failures (busy, missing, unsupported)
	CategoryDevice
	// CategoryCodec covers encoder and decoder failures
	CategoryCodec
	// CategoryUnknown is anything else
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryNegotiation:
		return "negotiation"
	case CategoryDevice:
		return "device"
	case CategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// BusError is an error message posted on a pipeline bus
type BusError struct {
	Source   string
	Message  string
	Debug    string
	Category ErrorCategory
}

func (e *BusError) Error() string {
	return fmt.Sprintf("gstrt: %s error from %s: %s", e.Category, e.Source, e.Message)
}

func newBusError(source string, gerr *gst.GError) *BusError {
	if gerr == nil {
		return &BusError{Source: source, Message: "unknown error", Category: CategoryUnknown}
	}
	return &BusError{
		Source:   source,
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
		Category: Classify(gerr.Error(), gerr.DebugString()),
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Order matters: the most specific categories first
	{CategoryNegotiation, []string{"not-negotiated", "not negotiated", "negotiation", "caps", "not-linked", "not linked", "link"}},
	{CategoryDevice, []string{"v4l2", "/dev/video", "device", "busy", "permission denied"}},
	{CategoryCodec, []string{"x264", "h264", "encode", "decode", "codec", "jpeg", "missing plugin"}},
	{CategoryNetwork, []string{"udp", "socket", "connection", "refused", "unreachable", "network", "resolve", "bind"}},
}

// Classify categorizes a bus error from its message and debug string
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}
