package peer

import (
	"fmt"

	"chtbx/protocol"
)

type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferAccepted
	TransferCompleted
	TransferDeclined
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferAccepted:
		return "accepted"
	case TransferCompleted:
		return "completed"
	case TransferDeclined:
		return "declined"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int(s))
	}
}

// Transfer is one offered file. Each direction of a connection carries at
// most one open transfer at a time.
type Transfer struct {
	Name   string
	Size   int64
	Status TransferStatus
}

func (t *Transfer) open() bool {
	return t != nil && (t.Status == TransferPending || t.Status == TransferAccepted)
}

// Outgoing reports the file we offered, if one is still open.
func (c *Conn) Outgoing() (Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.outgoing.open() {
		return Transfer{}, false
	}
	return *c.outgoing, true
}

// Incoming reports the file the peer offered, if one is still open.
func (c *Conn) Incoming() (Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.incoming.open() {
		return Transfer{}, false
	}
	return *c.incoming, true
}

func (c *Conn) OfferFile(name string, size int64) error {
	if size < 0 || size > c.maxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, size)
	}

	c.mu.Lock()
	if c.outgoing.open() {
		c.mu.Unlock()
		return ErrTransferInProgress
	}
	offer := &Transfer{Name: name, Size: size, Status: TransferPending}
	c.outgoing = offer
	c.mu.Unlock()

	if err := c.enc.EncodeMessage(protocol.FileOfferMessage{Name: name, Size: size}); err != nil {
		// the peer never saw the offer
		c.mu.Lock()
		if c.outgoing == offer {
			c.outgoing = nil
		}
		c.mu.Unlock()
		return err
	}
	c.log.Info().Str("file", name).Int64("size", size).Msg("file offered")
	return nil
}

// AcceptFile answers the pending incoming offer with FILE_REQUEST.
func (c *Conn) AcceptFile() error {
	c.mu.Lock()
	if c.incoming == nil || c.incoming.Status != TransferPending {
		c.mu.Unlock()
		return ErrNoTransfer
	}
	c.incoming.Status = TransferAccepted
	c.mu.Unlock()

	return c.enc.EncodeMessage(protocol.FileRequestMessage{})
}

// RejectFile answers the pending incoming offer with FILE_REVOKE.
func (c *Conn) RejectFile() error {
	c.mu.Lock()
	if c.incoming == nil || c.incoming.Status != TransferPending {
		c.mu.Unlock()
		return ErrNoTransfer
	}
	c.incoming.Status = TransferDeclined
	c.mu.Unlock()

	return c.enc.EncodeMessage(protocol.FileRevokeMessage{})
}

// SendFile sends the accepted outgoing file as one FILE_SEND frame. data
// must be exactly as long as the offer said.
func (c *Conn) SendFile(data []byte) error {
	c.mu.Lock()
	if c.outgoing == nil || c.outgoing.Status != TransferAccepted {
		c.mu.Unlock()
		return ErrNoTransfer
	}
	if int64(len(data)) != c.outgoing.Size {
		c.mu.Unlock()
		return fmt.Errorf("%w: offered %d, have %d", ErrSizeMismatch, c.outgoing.Size, len(data))
	}
	c.outgoing.Status = TransferCompleted
	name := c.outgoing.Name
	c.mu.Unlock()

	if err := c.enc.EncodeMessage(protocol.FileSendMessage{Chunk: data}); err != nil {
		return err
	}
	c.log.Info().Str("file", name).Int("size", len(data)).Msg("file sent")
	return nil
}

// observe moves the transfer state for a received message.
func (c *Conn) observe(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case protocol.SendMessageMessage:
		return nil

	case protocol.FileOfferMessage:
		if c.incoming.open() {
			return fmt.Errorf("%w: offer of %q", ErrTransferInProgress, m.Name)
		}
		if m.Size > c.maxTransfer {
			return fmt.Errorf("%w: offer of %d bytes", ErrTransferTooLarge, m.Size)
		}
		c.incoming = &Transfer{Name: m.Name, Size: m.Size, Status: TransferPending}
		return nil

	case protocol.FileRequestMessage:
		if c.outgoing == nil || c.outgoing.Status != TransferPending {
			return fmt.Errorf("%w: %s without an offer", ErrUnexpectedMessage, m.Type())
		}
		c.outgoing.Status = TransferAccepted
		return nil

	case protocol.FileRevokeMessage:
		if c.outgoing == nil || c.outgoing.Status != TransferPending {
			return fmt.Errorf("%w: %s without an offer", ErrUnexpectedMessage, m.Type())
		}
		c.outgoing.Status = TransferDeclined
		return nil

	case protocol.FileSendMessage:
		if c.incoming == nil || c.incoming.Status != TransferAccepted {
			return fmt.Errorf("%w: %s without an accepted offer", ErrUnexpectedMessage, m.Type())
		}
		if int64(len(m.Chunk)) != c.incoming.Size {
			return fmt.Errorf("%w: offered %d, got %d", ErrSizeMismatch, c.incoming.Size, len(m.Chunk))
		}
		c.incoming.Status = TransferCompleted
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type())
	}
}
