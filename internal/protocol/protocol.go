// Package protocol implements the control wire protocol between a Controller
// and a Producer.
//
// Every packet is a fixed 9-byte header followed by a msgpack payload:
//
//	type u8 | id u32 | size u32 | payload[size]
//
// All integers are big-endian. Requests carry a command; responses (Success,
// Error) carry no payload and echo the request id.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// PacketType is the tag identifying a message on the wire
type PacketType uint8

const (
	TypeSuccess PacketType = iota
	TypeError
	TypeStartStreaming
	TypeChangeResolution
	TypeChangeFramerate
	TypeChangeBitrate
)

const (
	// HeaderSize is the encoded size of a packet header
	HeaderSize = 9

	// MaxPayloadSize bounds the payload of a single packet
	MaxPayloadSize = 64 * 1024
)

var (
	// ErrUnknownType is returned when a packet carries a tag outside the known set
	ErrUnknownType = errors.New("protocol: unknown packet type")

	// ErrMalformed is returned when a payload cannot be decoded for its tag
	ErrMalformed = errors.New("protocol: malformed packet")

	// ErrFrameTooLarge is returned when a header announces a payload above MaxPayloadSize
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// String returns the wire name of the packet type
func (t PacketType) String() string {
	switch t {
	case TypeSuccess:
		return "Success"
	case TypeError:
		return "Error"
	case TypeStartStreaming:
		return "StartStreaming"
	case TypeChangeResolution:
		return "ChangeResolution"
	case TypeChangeFramerate:
		return "ChangeFramerate"
	case TypeChangeBitrate:
		return "ChangeBitrate"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// IsResponse reports whether t is a response tag
func (t PacketType) IsResponse() bool {
	return t == TypeSuccess || t == TypeError
}

// Message is a decoded packet payload
type Message interface {
	Type() PacketType
}

// Success acknowledges a request
type Success struct{}

// Error rejects a request
type Error struct{}

// StartStreaming asks the Producer to stream to the requesting peer on Port
type StartStreaming struct {
	Port uint16 `msgpack:"port"`
}

// ChangeResolution asks for a new output resolution
type ChangeResolution struct {
	Width  uint32 `msgpack:"width"`
	Height uint32 `msgpack:"height"`
}

// ChangeFramerate asks for a new maximum output framerate
type ChangeFramerate struct {
	Framerate uint32 `msgpack:"framerate"`
}

// ChangeBitrate asks for a new encoder bitrate in kbit/s
type ChangeBitrate struct {
	Bitrate uint32 `msgpack:"bitrate"`
}

func (Success) Type() PacketType          { return TypeSuccess }
func (Error) Type() PacketType            { return TypeError }
func (StartStreaming) Type() PacketType   { return TypeStartStreaming }
func (ChangeResolution) Type() PacketType { return TypeChangeResolution }
func (ChangeFramerate) Type() PacketType  { return TypeChangeFramerate }
func (ChangeBitrate) Type() PacketType    { return TypeChangeBitrate }

// Packet is a message with its correlation id
type Packet struct {
	ID      uint32
	Message Message
}

// newMessage returns a pointer to the zero message for t
func newMessage(t PacketType) (Message, error) {
	switch t {
	case TypeSuccess:
		return &Success{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeStartStreaming:
		return &StartStreaming{}, nil
	case TypeChangeResolution:
		return &ChangeResolution{}, nil
	case TypeChangeFramerate:
		return &ChangeFramerate{}, nil
	case TypeChangeBitrate:
		return &ChangeBitrate{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
}

// deref turns the pointer produced by newMessage back into a value
func deref(m Message) Message {
	switch v := m.(type) {
	case *Success:
		return *v
	case *Error:
		return *v
	case *StartStreaming:
		return *v
	case *ChangeResolution:
		return *v
	case *ChangeFramerate:
		return *v
	case *ChangeBitrate:
		return *v
	}
	return m
}

// Marshal encodes p into a single frame
func Marshal(p Packet) ([]byte, error) {
	if p.Message == nil {
		return nil, fmt.Errorf("protocol: packet %d has no message", p.ID)
	}
	t := p.Message.Type()

	var payload []byte
	if !t.IsResponse() {
		var err error
		payload, err = msgpack.Marshal(p.Message)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to encode %s: %w", t, err)
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], p.ID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Encode writes p to w as one frame
func Encode(w io.Writer, p Packet) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads one frame from r.
//
// io.EOF is returned unwrapped when r ends cleanly between frames. A frame cut
// short yields io.ErrUnexpectedEOF.
func Decode(r io.Reader) (Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}

	t := PacketType(hdr[0])
	id := binary.BigEndian.Uint32(hdr[1:5])
	size := binary.BigEndian.Uint32(hdr[5:9])

	if size > MaxPayloadSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}

	msg, err := newMessage(t)
	if err != nil {
		return Packet{}, err
	}

	if t.IsResponse() {
		if size != 0 {
			return Packet{}, fmt.Errorf("%w: %s with %d byte payload", ErrMalformed, t, size)
		}
	} else if err := msgpack.Unmarshal(payload, msg); err != nil {
		return Packet{}, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}

	return Packet{ID: id, Message: deref(msg)}, nil
}

// IsProtocolError reports whether err is fatal to the connection it came from
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Reader decodes consecutive frames from a buffered stream
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read decodes the next frame
func (r *Reader) Read() (Packet, error) {
	return Decode(r.br)
}
