// Package bus mirrors presence changes onto NATS so other services can follow
// who is online without holding a connection to the relay.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"chatrelay/config"
	"chatrelay/models"
)

// Client wraps a NATS connection.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewClient(cfg config.NATSConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("chatrelay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.Timeout(10 * time.Second),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains pending publishes before closing.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// PresenceMessage is the JSON body published for every presence change.
// Origin identifies the publishing relay instance.
type PresenceMessage struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

// PresencePublisher publishes presence changes on a single subject.
type PresencePublisher struct {
	nc      *nats.Conn
	subject string
	origin  string
	logger  *slog.Logger
	now     func() time.Time
}

func NewPresencePublisher(nc *nats.Conn, subject string, logger *slog.Logger) *PresencePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresencePublisher{
		nc:      nc,
		subject: subject,
		origin:  uuid.NewString(),
		logger:  logger,
		now:     time.Now,
	}
}

// Origin is the instance id stamped on every message this publisher sends.
func (p *PresencePublisher) Origin() string {
	return p.origin
}

func (p *PresencePublisher) PublishPresence(_ context.Context, ev models.PresenceChanged) error {
	data, err := json.Marshal(PresenceMessage{
		UserID: ev.UserID,
		Online: ev.Online,
		At:     p.now().UTC(),
		Origin: p.origin,
	})
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		p.logger.Error("failed to publish presence", "user", ev.UserID, "subject", p.subject, "error", err)
		return err
	}
	p.logger.Debug("published presence", "user", ev.UserID, "online", ev.Online, "subject", p.subject)
	return nil
}

// SubscribePresence calls fn for every presence message on subject until the
// subscription is closed. Malformed messages are logged and skipped.
func SubscribePresence(nc *nats.Conn, subject string, logger *slog.Logger, fn func(PresenceMessage)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var pm PresenceMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			logger.Warn("malformed presence message", "subject", msg.Subject, "error", err)
			return
		}
		fn(pm)
	})
}
