package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/models"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	transportTCP = "tcp"
	transportWS  = "ws"
)

// outbound is one encoded frame waiting for the writer.
type outbound struct {
	data  []byte
	close bool // close the connection once written
}

// Conn is a live client connection on either transport. It is the handle
// the relay pushes events into; writes go through a bounded queue drained by
// a single writer goroutine, so Push never blocks on the network.
type Conn struct {
	id          string
	transport   string
	remote      string
	connectedAt time.Time

	encode func(ev models.Event) ([]byte, error)
	send   chan outbound
	done   chan struct{}

	closeOnce sync.Once
	closer    io.Closer

	mu    sync.Mutex
	login string
}

func newConn(transport, remote string, closer io.Closer, buffer int, encode func(models.Event) ([]byte, error)) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		transport:   transport,
		remote:      remote,
		connectedAt: time.Now(),
		encode:      encode,
		send:        make(chan outbound, buffer),
		done:        make(chan struct{}),
		closer:      closer,
	}
}

func (c *Conn) ID() string { return c.id }

// logger tags log lines with the connection's identity.
func (c *Conn) logger(base *slog.Logger) *slog.Logger {
	return base.With("conn_id", c.id, "transport", c.transport, "remote", c.remote)
}

func (c *Conn) Login() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

func (c *Conn) setLogin(login string) {
	c.mu.Lock()
	c.login = login
	c.mu.Unlock()
}

// Push encodes ev and queues it. A Shutdown event closes the connection
// after it is written.
func (c *Conn) Push(ev models.Event) error {
	data, err := c.encode(ev)
	if err != nil {
		return err
	}
	_, bye := ev.(models.Shutdown)
	return c.enqueue(outbound{data: data, close: bye})
}

func (c *Conn) enqueue(o outbound) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- o:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent. Frames still queued are discarded.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closer.Close()
	})
}
