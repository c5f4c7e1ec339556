package protocol

import "fmt"

// MessageType is the leading byte of a frame on a peer connection.
type MessageType byte

const (
	TypeSendMessage MessageType = 0
	TypeHello       MessageType = 1
	TypeFileOffer   MessageType = 2
	TypeFileRequest MessageType = 3
	TypeFileSend    MessageType = 4
	TypeFileRevoke  MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypeSendMessage:
		return "send_message"
	case TypeHello:
		return "hello"
	case TypeFileOffer:
		return "file_offer"
	case TypeFileRequest:
		return "file_request"
	case TypeFileSend:
		return "file_send"
	case TypeFileRevoke:
		return "file_revoke"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is one of the *Message types below.
type Message interface {
	Type() MessageType
}

// HelloMessage identifies the sender right after a peer connection opens.
type HelloMessage struct {
	Username string
}

type SendMessageMessage struct {
	Content string
}

// FileOfferMessage proposes a transfer; the receiver answers with
// FileRequestMessage (accept) or FileRevokeMessage (reject).
type FileOfferMessage struct {
	Name string
	Size int64
}

type FileRequestMessage struct{}

type FileRevokeMessage struct{}

// FileSendMessage carries the whole file offered earlier.
type FileSendMessage struct {
	Chunk []byte
}

func (HelloMessage) Type() MessageType       { return TypeHello }
func (SendMessageMessage) Type() MessageType { return TypeSendMessage }
func (FileOfferMessage) Type() MessageType   { return TypeFileOffer }
func (FileRequestMessage) Type() MessageType { return TypeFileRequest }
func (FileRevokeMessage) Type() MessageType  { return TypeFileRevoke }
func (FileSendMessage) Type() MessageType    { return TypeFileSend }

var messageDecoders = map[MessageType]func(*Reader) (Message, error){
	TypeSendMessage: func(r *Reader) (Message, error) {
		content, err := r.NullString()
		if err != nil {
			return nil, err
		}
		return SendMessageMessage{Content: content}, nil
	},
	TypeHello: func(r *Reader) (Message, error) {
		username, err := r.LenString()
		if err != nil {
			return nil, err
		}
		return HelloMessage{Username: username}, nil
	},
	TypeFileOffer: func(r *Reader) (Message, error) {
		name, err := r.NullString()
		if err != nil {
			return nil, err
		}
		size, err := r.FourBytes()
		if err != nil {
			return nil, err
		}
		return FileOfferMessage{Name: name, Size: int64(size)}, nil
	},
	TypeFileRequest: func(*Reader) (Message, error) {
		return FileRequestMessage{}, nil
	},
	TypeFileRevoke: func(*Reader) (Message, error) {
		return FileRevokeMessage{}, nil
	},
	TypeFileSend: func(r *Reader) (Message, error) {
		chunk, err := r.Chunk()
		if err != nil {
			return nil, err
		}
		return FileSendMessage{Chunk: chunk}, nil
	},
}

// ReadMessage decodes one peer message frame.
func ReadMessage(r *Reader) (Message, error) {
	t, err := r.frameType()
	if err != nil {
		return nil, err
	}
	decode, ok := messageDecoders[MessageType(t)]
	if !ok {
		return nil, fmt.Errorf("%w: message %d", ErrUnknownType, t)
	}
	return decode(r)
}

// WriteMessage encodes msg without flushing.
func WriteMessage(w *Writer, msg Message) error {
	if err := w.Byte(byte(msg.Type())); err != nil {
		return err
	}
	switch msg := msg.(type) {
	case HelloMessage:
		return w.LenString(msg.Username)
	case SendMessageMessage:
		return w.NullString(msg.Content)
	case FileOfferMessage:
		if err := w.NullString(msg.Name); err != nil {
			return err
		}
		return w.FourBytes(msg.Size)
	case FileRequestMessage, FileRevokeMessage:
		return nil
	case FileSendMessage:
		return w.Chunk(msg.Chunk)
	default:
		return fmt.Errorf("%w: message %T", ErrUnknownType, msg)
	}
}
