package protocol

import (
	"io"
	"sync"
)

// Limits bound what a decoder will accept from the remote side.
type Limits struct {
	MaxNullString int
	MaxChunk      int64
}

// Decoder owns the read direction of a connection. Each Decode call holds
// the lock from the type byte to the end of the body, so concurrent callers
// never split a frame between them.
type Decoder struct {
	mu sync.Mutex
	r  *Reader
}

func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{r: NewReader(r, limits.MaxNullString, limits.MaxChunk)}
}

func (d *Decoder) DecodeRequest() (Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ReadRequest(d.r)
}

func (d *Decoder) DecodeResponse() (Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ReadResponse(d.r)
}

func (d *Decoder) DecodeMessage() (Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ReadMessage(d.r)
}

// Encoder owns the write direction of a connection. A frame is flushed as a
// whole; a frame that fails to encode is discarded.
type Encoder struct {
	mu sync.Mutex
	w  *Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: NewWriter(w)}
}

func (e *Encoder) EncodeRequest(req Request) error {
	return e.frame(func(w *Writer) error { return WriteRequest(w, req) })
}

func (e *Encoder) EncodeResponse(resp Response) error {
	return e.frame(func(w *Writer) error { return WriteResponse(w, resp) })
}

func (e *Encoder) EncodeMessage(msg Message) error {
	return e.frame(func(w *Writer) error { return WriteMessage(w, msg) })
}

func (e *Encoder) frame(write func(*Writer) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := write(e.w); err != nil {
		e.w.Discard()
		return err
	}
	return e.w.Flush()
}
