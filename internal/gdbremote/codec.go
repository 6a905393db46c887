// Package gdbremote implements the subset of the GDB Remote Serial Protocol
// needed to start an application through a device debug-server proxy: set
// the launch argument, select a thread and continue.
package gdbremote

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	packetStart = '$'
	packetEnd   = '#'
	ackChar     = '+'
)

// ErrMalformedPacket reports a frame that is not $<body>#<2 hex>.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrChecksumMismatch reports a frame whose checksum does not match its body.
var ErrChecksumMismatch = errors.New("packet checksum mismatch")

// Packet is one decoded protocol frame.
type Packet struct {
	Body     string
	Checksum string
}

// Wire renders the packet as $<body>#<checksum>.
func (p Packet) Wire() string {
	return string(packetStart) + p.Body + string(packetEnd) + p.Checksum
}

// NewPacket frames a command body with its checksum.
func NewPacket(command string) Packet {
	return Packet{Body: command, Checksum: Checksum(command)}
}

// Checksum returns the modulo-256 byte sum of command as two uppercase hex digits.
func Checksum(command string) string {
	var sum byte
	for i := 0; i < len(command); i++ {
		sum += command[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// Encode frames command for the wire.
func Encode(command string) string {
	return NewPacket(command).Wire()
}

// EncodePathArgument hex-encodes every byte of path with no separators.
func EncodePathArgument(path string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(path)))
}

// DecodeHex reverses EncodePathArgument. It also decodes O packet payloads.
func DecodeHex(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode hex payload: %w", err)
	}
	return string(raw), nil
}

// SetArgumentCommand builds A<len>,0,<hex path> where len is the length of
// the hex-encoded path, not of the path itself.
func SetArgumentCommand(path string) string {
	encoded := EncodePathArgument(path)
	return "A" + strconv.Itoa(len(encoded)) + ",0," + encoded
}

// Decode parses one complete frame and validates its checksum.
func Decode(frame string) (Packet, error) {
	if len(frame) < 4 || frame[0] != packetStart {
		return Packet{}, fmt.Errorf("%w: %q", ErrMalformedPacket, frame)
	}
	end := strings.LastIndexByte(frame, packetEnd)
	if end < 1 || len(frame)-end != 3 {
		return Packet{}, fmt.Errorf("%w: %q", ErrMalformedPacket, frame)
	}
	packet := Packet{Body: frame[1:end], Checksum: frame[end+1:]}
	if !strings.EqualFold(packet.Checksum, Checksum(packet.Body)) {
		return packet, fmt.Errorf("%w: %q (want %s)", ErrChecksumMismatch, frame, Checksum(packet.Body))
	}
	return packet, nil
}

// Scanner splits a stream of received chunks into frames. Acknowledgement
// characters before a frame are dropped; partial frames are buffered until
// the checksum digits arrive.
type Scanner struct {
	pending strings.Builder
	acks    int
}

// Feed appends chunk and returns every frame completed by it.
func (s *Scanner) Feed(chunk string) []string {
	s.pending.WriteString(chunk)
	buffered := s.pending.String()

	var frames []string
	for {
		trimmed := strings.TrimLeft(buffered, string(ackChar))
		s.acks += len(buffered) - len(trimmed)
		buffered = trimmed

		start := strings.IndexByte(buffered, packetStart)
		if start < 0 {
			// Anything that is not an ack or a frame is line noise.
			buffered = ""
			break
		}
		buffered = buffered[start:]
		end := strings.IndexByte(buffered, packetEnd)
		if end < 0 || len(buffered) < end+3 {
			break
		}
		frames = append(frames, buffered[:end+3])
		buffered = buffered[end+3:]
	}

	s.pending.Reset()
	s.pending.WriteString(buffered)
	return frames
}

// Acks returns how many acknowledgement characters have been stripped.
func (s *Scanner) Acks() int {
	return s.acks
}
