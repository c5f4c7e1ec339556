// Package protocol implements the chtbx binary wire format: the framing
// primitives, the control-plane request/response codec and the peer message
// codec. All multi-byte integers are unsigned big-endian.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrUnknownType   = errors.New("unknown frame type")
	ErrStringTooLong = errors.New("string too long")
	ErrIntOverflow   = errors.New("integer exceeds field width")
	ErrInvalidIP     = errors.New("invalid ip address")
	ErrChunkTooLarge = errors.New("file chunk too large")
)

const (
	// MaxLenString is the longest string a one-byte length prefix can describe.
	MaxLenString = 255

	DefaultMaxNullString = 1 << 20
	DefaultMaxChunk      = 64 << 20

	maxTwoBytes  = 1<<16 - 1
	maxFourBytes = 1<<32 - 1
)

// Reader decodes primitives from a byte stream. It keeps no frame state; the
// codecs on top of it decide where a frame starts and ends.
type Reader struct {
	r             *bufio.Reader
	maxNullString int
	maxChunk      int64
}

// NewReader wraps r. Non-positive limits fall back to the defaults.
func NewReader(r io.Reader, maxNullString int, maxChunk int64) *Reader {
	if maxNullString <= 0 {
		maxNullString = DefaultMaxNullString
	}
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, maxNullString: maxNullString, maxChunk: maxChunk}
}

// Byte reads a single byte inside a frame.
func (r *Reader) Byte() (byte, error) {
	b, err := r.r.ReadByte()
	return b, unexpected(err)
}

// frameType reads the leading type byte. A stream that ends cleanly before
// it yields io.EOF.
func (r *Reader) frameType() (byte, error) {
	return r.r.ReadByte()
}

func (r *Reader) TwoBytes() (uint16, error) {
	var b [2]byte
	if err := r.full(b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (r *Reader) FourBytes() (uint32, error) {
	var b [4]byte
	if err := r.full(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// IP reads four raw octets and renders them as dotted-quad text.
func (r *Reader) IP() (string, error) {
	var b [4]byte
	if err := r.full(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]), nil
}

func (r *Reader) LenString() (string, error) {
	n, err := r.Byte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := r.full(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// NullString reads bytes up to the next 0x00 and drops the terminator.
// A zero byte inside the content always ends the string.
func (r *Reader) NullString() (string, error) {
	var out []byte
	for {
		part, err := r.r.ReadSlice(0)
		if len(out)+len(part) > r.maxNullString+1 {
			return "", fmt.Errorf("%w: null-terminated string over %d bytes", ErrStringTooLong, r.maxNullString)
		}
		out = append(out, part...)
		switch {
		case err == nil:
			return string(out[:len(out)-1]), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// Chunk reads a four-byte length followed by that many raw bytes. The data
// is copied in bounded increments so a declared length alone never commits
// memory.
func (r *Reader) Chunk() ([]byte, error) {
	n, err := r.FourBytes()
	if err != nil {
		return nil, err
	}
	if int64(n) > r.maxChunk {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrChunkTooLarge, n, r.maxChunk)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r.r, int64(n)); err != nil {
		return nil, unexpected(err)
	}
	return buf.Bytes(), nil
}

func (r *Reader) full(b []byte) error {
	_, err := io.ReadFull(r.r, b)
	return unexpected(err)
}

// unexpected turns an EOF inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes primitives into a buffered stream. Nothing reaches the
// underlying writer until Flush, or until the buffer fills up.
type Writer struct {
	dst io.Writer
	w   *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{dst: w, w: bufio.NewWriter(w)}
}

func (w *Writer) Byte(b byte) error {
	return w.w.WriteByte(b)
}

func (w *Writer) TwoBytes(v int) error {
	if v < 0 || v > maxTwoBytes {
		return fmt.Errorf("%w: %d does not fit in 2 bytes", ErrIntOverflow, v)
	}
	_, err := w.w.Write([]byte{byte(v >> 8), byte(v)})
	return err
}

func (w *Writer) FourBytes(v int64) error {
	if v < 0 || v > maxFourBytes {
		return fmt.Errorf("%w: %d does not fit in 4 bytes", ErrIntOverflow, v)
	}
	_, err := w.w.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	return err
}

// IP writes a dotted-quad address as four raw octets.
func (w *Writer) IP(ip string) error {
	octets, err := ParseIP(ip)
	if err != nil {
		return err
	}
	_, err = w.w.Write(octets[:])
	return err
}

func (w *Writer) LenString(s string) error {
	if len(s) > MaxLenString {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrStringTooLong, len(s), MaxLenString)
	}
	if err := w.w.WriteByte(byte(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *Writer) NullString(s string) error {
	if _, err := w.w.WriteString(s); err != nil {
		return err
	}
	return w.w.WriteByte(0)
}

// Chunk writes a four-byte length followed by the raw bytes.
func (w *Writer) Chunk(b []byte) error {
	if err := w.FourBytes(int64(len(b))); err != nil {
		return err
	}
	_, err := w.w.Write(b)
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Discard drops whatever is buffered but not yet flushed.
func (w *Writer) Discard() {
	w.w.Reset(w.dst)
}

// ParseIP validates a dotted-quad IPv4 address.
func ParseIP(ip string) ([4]byte, error) {
	var octets [4]byte
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return octets, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	for i, part := range parts {
		if part == "" || strings.TrimLeft(part, "0123456789") != "" {
			return octets, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return octets, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
		}
		octets[i] = byte(n)
	}
	return octets, nil
}
