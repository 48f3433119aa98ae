package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is a duplex frame pipe. Send is safe for concurrent use; Receive
// is driven by a single reader loop.
type Channel interface {
	Send(Message) error
	Receive() (Message, error)
	Close() error
}

// pipeChannel frames messages as newline-delimited JSON over a reader/writer
// pair, typically a child process's stdio.
type pipeChannel struct {
	dec *json.Decoder
	enc *json.Encoder

	mu     sync.Mutex
	closer io.Closer
}

// NewPipeChannel wraps a reader/writer pair. closer may be nil.
func NewPipeChannel(r io.Reader, w io.Writer, closer io.Closer) Channel {
	return &pipeChannel{
		dec:    json.NewDecoder(r),
		enc:    json.NewEncoder(w),
		closer: closer,
	}
}

func (c *pipeChannel) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to send invalid message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(m)
}

func (c *pipeChannel) Receive() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (c *pipeChannel) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// wsChannel carries the same frames over a websocket connection, used when
// attaching to a worker that was not spawned by this controller.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketChannel wraps an established websocket connection.
func NewWebsocketChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

// DialWebsocket connects to a remote worker and wraps the connection.
func DialWebsocket(url string) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing worker at %s: %w", url, err)
	}
	return NewWebsocketChannel(conn), nil
}

func (c *wsChannel) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to send invalid message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *wsChannel) Receive() (Message, error) {
	var m Message
	if err := c.conn.ReadJSON(&m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}
