package protocol

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Message is a parsed control-plane datagram.
type Message struct {
	Verb string
	ID   uint64
	Args []string
}

// NewMessage builds a message from its parts.
func NewMessage(verb string, id uint64, args ...string) *Message {
	return &Message{Verb: verb, ID: id, Args: args}
}

// Parse decodes a datagram payload. The verb and a numeric request id are mandatory.
func Parse(payload []byte) (*Message, error) {
	fields := strings.Fields(string(payload))
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: expected verb and request id, got %q", ErrProtocol, string(payload))
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad request id %q", ErrProtocol, fields[1])
	}
	return &Message{Verb: fields[0], ID: id, Args: fields[2:]}, nil
}

// String renders the message in wire form.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Verb)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(m.ID, 10))
	for _, a := range m.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

// Bytes renders the message as a datagram payload.
func (m *Message) Bytes() []byte {
	return []byte(m.String())
}

// Expect returns ErrProtocol unless the message carries at least n arguments.
func (m *Message) Expect(n int) error {
	if len(m.Args) < n {
		return fmt.Errorf("%w: %s needs %d arguments, got %d", ErrProtocol, m.Verb, n, len(m.Args))
	}
	return nil
}

// Arg returns argument i, or "" when absent.
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// IntArg parses argument i as a decimal integer.
func (m *Message) IntArg(i int) (int, error) {
	v, err := strconv.Atoi(m.Arg(i))
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d is not an integer", ErrProtocol, m.Verb, i)
	}
	return v, nil
}

// Int64Arg parses argument i as a decimal 64-bit integer.
func (m *Message) Int64Arg(i int) (int64, error) {
	v, err := strconv.ParseInt(m.Arg(i), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d is not an integer", ErrProtocol, m.Verb, i)
	}
	return v, nil
}

// Tail joins the arguments from index i onwards with single spaces.
func (m *Message) Tail(i int) string {
	if i >= len(m.Args) {
		return ""
	}
	return strings.Join(m.Args[i:], " ")
}

// Checksum computes the IEEE CRC32 used for chunks and whole files.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// FormatChecksum renders a CRC32 as lowercase hex without padding.
func FormatChecksum(sum uint32) string {
	return strconv.FormatUint(uint64(sum), 16)
}

// ParseChecksum parses a hex CRC32.
func ParseChecksum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad checksum %q", ErrProtocol, s)
	}
	return uint32(v), nil
}
