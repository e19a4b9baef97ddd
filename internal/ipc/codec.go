package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// MaxFrameSize bounds one serialized envelope on the wire.
const MaxFrameSize = 64 << 10

// maxDelimiterLen bounds the delimiter line of a delimited frame.
const maxDelimiterLen = 256

const (
	CodecLength    = "length"
	CodecDelimiter = "delimiter"
)

var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed, incomplete, or unexpected frame.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Codec reads and writes one envelope per frame.
//
// ReadFrame wraps r in a bufio.Reader unless it already is one, so callers
// reading more than one frame from a stream must pass the same *bufio.Reader.
type Codec interface {
	Name() string
	WriteFrame(w io.Writer, env Envelope) error
	ReadFrame(r io.Reader) (Envelope, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case CodecLength:
		return LengthPrefixedCodec{}, nil
	case CodecDelimiter:
		return DelimitedCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want %s or %s)", name, CodecLength, CodecDelimiter)
	}
}

// LengthPrefixedCodec frames a payload as a 4-byte big-endian length
// followed by the JSON envelope.
type LengthPrefixedCodec struct{}

func (LengthPrefixedCodec) Name() string { return CodecLength }

func (LengthPrefixedCodec) WriteFrame(w io.Writer, env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode frame: payload %d bytes exceeds %d", len(payload), MaxFrameSize)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (LengthPrefixedCodec) ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, &ProtocolError{Op: "read frame header", Err: closedEarly(err)}
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return Envelope{}, &ProtocolError{Op: "read frame header", Err: errors.New("empty frame")}
	}
	if size > MaxFrameSize {
		return Envelope{}, &ProtocolError{Op: "read frame header", Err: fmt.Errorf("frame size %d exceeds %d", size, MaxFrameSize)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, &ProtocolError{Op: "read frame payload", Err: closedEarly(err)}
	}

	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		return Envelope{}, &ProtocolError{Op: "decode envelope", Err: err}
	}
	return env, nil
}

// DelimitedCodec frames a payload between two copies of a random delimiter
// line. It is kept for peers that predate length-prefixed framing.
type DelimitedCodec struct {
	// NewDelimiter overrides delimiter generation in tests.
	NewDelimiter func() string
}

func (DelimitedCodec) Name() string { return CodecDelimiter }

func (c DelimitedCodec) delimiter() string {
	if c.NewDelimiter != nil {
		return c.NewDelimiter()
	}
	return uuid.NewString()
}

func (c DelimitedCodec) WriteFrame(w io.Writer, env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode frame: payload %d bytes exceeds %d", len(payload), MaxFrameSize)
	}

	delim := c.delimiter()
	if delim == "" || len(delim) > maxDelimiterLen || strings.ContainsAny(delim, "\r\n") {
		return fmt.Errorf("encode frame: invalid delimiter %q", delim)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		if line == delim {
			return fmt.Errorf("encode frame: delimiter collides with payload")
		}
	}

	var frame bytes.Buffer
	frame.Grow(2*len(delim) + len(payload) + 3)
	frame.WriteString(delim)
	frame.WriteByte('\n')
	frame.Write(payload)
	frame.WriteByte('\n')
	frame.WriteString(delim)
	frame.WriteByte('\n')

	if _, err := w.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (DelimitedCodec) ReadFrame(r io.Reader) (Envelope, error) {
	reader, ok := r.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(r)
	}

	delim, _, err := readLine(reader, maxDelimiterLen+2)
	if errors.Is(err, errLineTooLong) {
		return Envelope{}, &ProtocolError{Op: "read delimiter", Err: fmt.Errorf("delimiter line exceeds %d bytes", maxDelimiterLen)}
	}
	if err != nil {
		return Envelope{}, &ProtocolError{Op: "read delimiter", Err: closedEarly(err)}
	}
	if delim == "" {
		return Envelope{}, &ProtocolError{Op: "read delimiter", Err: errors.New("empty delimiter line")}
	}

	// The closing delimiter line is charged against the same budget.
	budget := MaxFrameSize + len(delim) + 2
	var lines []string
	for {
		line, n, err := readLine(reader, budget)
		if errors.Is(err, errLineTooLong) {
			return Envelope{}, &ProtocolError{Op: "read frame body", Err: fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)}
		}
		if err != nil && !(errors.Is(err, io.EOF) && line == delim) {
			return Envelope{}, &ProtocolError{Op: "read frame body", Err: closedEarly(err)}
		}
		if line == delim {
			break
		}
		budget -= n
		lines = append(lines, line)
	}

	env, err := UnmarshalEnvelope([]byte(strings.Join(lines, "\n")))
	if err != nil {
		return Envelope{}, &ProtocolError{Op: "decode envelope", Err: err}
	}
	return env, nil
}

var errLineTooLong = errors.New("line too long")

// readLine returns one line without its terminator and the number of bytes
// it consumed. It stops with errLineTooLong once more than limit bytes have
// been read, so an endless line never grows past the bufio buffer plus limit.
// A final unterminated line is returned together with io.EOF.
func readLine(reader *bufio.Reader, limit int) (string, int, error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return "", len(buf) + len(chunk), errLineTooLong
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		line := strings.TrimRight(string(buf), "\r\n")
		if err != nil {
			if errors.Is(err, io.EOF) && line != "" {
				return line, len(buf), io.EOF
			}
			return "", len(buf), err
		}
		return line, len(buf), nil
	}
}

// closedEarly normalizes end-of-stream errors raised mid-frame.
func closedEarly(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("stream closed before frame was complete: %w", io.ErrUnexpectedEOF)
	}
	return err
}
