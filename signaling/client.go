package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one peer's connection to a room.
type Client struct {
	conn *websocket.Conn
	in   chan Message

	wmu sync.Mutex

	mu  sync.Mutex
	err error
}

// Dial joins the room at url (ws://host/ws/{room}).
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	c := &Client{conn: conn, in: make(chan Message, sendBuffer)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.in)
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		c.in <- m
	}
}

// Messages delivers messages from the other peer and from the hub. It is
// closed when the connection ends; Err then tells why.
func (c *Client) Messages() <-chan Message { return c.in }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send relays m to the other peer.
func (c *Client) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(m)
}

// SendPayload relays a typed message whose payload is v encoded as JSON.
func (c *Client) SendPayload(typ string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: typ, Payload: raw})
}

// Close leaves the room.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
