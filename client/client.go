// Package client speaks the request/response protocol to a chat server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"chtbx/protocol"
)

var ErrUnexpectedResponse = errors.New("client: unexpected response type")

// Client issues one request at a time and waits for its response.
type Client struct {
	conn net.Conn
	dec  *protocol.Decoder
	enc  *protocol.Encoder

	mu sync.Mutex
}

func New(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		dec:  protocol.NewDecoder(conn, protocol.Limits{}),
		enc:  protocol.NewEncoder(conn),
	}
}

// Dial connects to the server at addr over IPv4.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// LocalAddr is handy for picking the address a peer listener binds to.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.EncodeRequest(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Type(), err)
	}
	resp, err := c.dec.DecodeResponse()
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", req.Type(), err)
	}
	if resp.Type() != req.Type() {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, req.Type(), resp.Type())
	}
	return resp, nil
}

// Login announces port as the address friends should dial for chat.
func (c *Client) Login(username, password string, port uint16) (protocol.LoginStatus, error) {
	resp, err := c.roundTrip(protocol.LoginRequest{Username: username, Password: password, Port: port})
	if err != nil {
		return 0, err
	}
	return resp.(protocol.LoginResponse).Status, nil
}

func (c *Client) Register(username, password string) (protocol.RegisterStatus, error) {
	resp, err := c.roundTrip(protocol.RegisterRequest{Username: username, Password: password})
	if err != nil {
		return 0, err
	}
	return resp.(protocol.RegisterResponse).Status, nil
}

func (c *Client) FriendList() ([]protocol.Friend, error) {
	resp, err := c.roundTrip(protocol.FriendListRequest{})
	if err != nil {
		return nil, err
	}
	return resp.(protocol.FriendListResponse).Friends, nil
}

func (c *Client) AddFriend(username string) (protocol.AddFriendStatus, error) {
	resp, err := c.roundTrip(protocol.AddFriendRequest{Username: username})
	if err != nil {
		return 0, err
	}
	return resp.(protocol.AddFriendResponse).Status, nil
}
