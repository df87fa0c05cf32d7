package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// clientQueueSize bounds how far one browser may fall behind before it is
// disconnected. A dropped client reconnects and replays from its ack.
const clientQueueSize = 512

// Conn is a browser transport. WriteMessage is only called from the
// client's own writer goroutine.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Client is one attached browser connection
type Client struct {
	ID string

	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		conn: conn,
		out:  make(chan []byte, clientQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. Returns false when the client is too far behind.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// Done is closed once the client has been detached
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
