package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	messages := []Message{
		HelloMessage{Username: "alice"},
		HelloMessage{Username: strings.Repeat("a", 255)},
		SendMessageMessage{Content: "hi there"},
		SendMessageMessage{Content: strings.Repeat("long line ", 500)},
		FileOfferMessage{Name: "a.txt", Size: 3},
		FileOfferMessage{Name: strings.Repeat("n", 300) + ".bin", Size: 1<<32 - 1},
		FileRequestMessage{},
		FileRevokeMessage{},
		FileSendMessage{Chunk: []byte{0x00, 0xff, 0x00}},
	}

	for _, msg := range messages {
		var buf bytes.Buffer
		if err := NewEncoder(&buf).EncodeMessage(msg); err != nil {
			t.Fatalf("EncodeMessage(%T) failed: %v", msg, err)
		}
		got, err := NewDecoder(&buf, Limits{}).DecodeMessage()
		if err != nil {
			t.Fatalf("DecodeMessage failed for %T: %v", msg, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Errorf("Expected %#v, got %#v", msg, got)
		}
	}
}

func TestFileTransferSequence(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire)
	sequence := []Message{
		FileOfferMessage{Name: "a.txt", Size: 3},
		FileRequestMessage{},
		FileSendMessage{Chunk: []byte{0x01, 0x02, 0x03}},
	}
	for _, msg := range sequence {
		if err := enc.EncodeMessage(msg); err != nil {
			t.Fatalf("EncodeMessage(%T) failed: %v", msg, err)
		}
	}

	dec := NewDecoder(&wire, Limits{})
	offer, err := dec.DecodeMessage()
	if err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if _, err := dec.DecodeMessage(); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	send, err := dec.DecodeMessage()
	if err != nil {
		t.Fatalf("decode send: %v", err)
	}

	size := offer.(FileOfferMessage).Size
	chunk := send.(FileSendMessage).Chunk
	if int64(len(chunk)) != size {
		t.Errorf("chunk length %d does not match offered size %d", len(chunk), size)
	}
	if !bytes.Equal(chunk, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("unexpected chunk % x", chunk)
	}
}

func TestFileSendShortRead(t *testing.T) {
	// declares 3 bytes, carries 2
	dec := NewDecoder(bytes.NewReader([]byte{byte(TypeFileSend), 0, 0, 0, 3, 0x01, 0x02}), Limits{})
	msg, err := dec.DecodeMessage()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected no truncated message, got %#v", msg)
	}
}

func TestFileSendOverLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeMessage(FileSendMessage{Chunk: make([]byte, 2048)}); err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	dec := NewDecoder(&buf, Limits{MaxChunk: 1024})
	if _, err := dec.DecodeMessage(); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestFileOfferSizeOverflow(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf).EncodeMessage(FileOfferMessage{Name: "big.iso", Size: 1 << 32})
	if !errors.Is(err, ErrIntOverflow) {
		t.Errorf("expected ErrIntOverflow, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written, got %d bytes", buf.Len())
	}
}

func TestUnknownMessageType(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0x06}), Limits{})
	if _, err := dec.DecodeMessage(); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestSendMessageLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeMessage(SendMessageMessage{Content: "hi"}); err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 'h', 'i', 0}) {
		t.Errorf("unexpected layout % x", buf.Bytes())
	}
}
