package relay

import (
	"context"
	"log/slog"

	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/presence"
)

// Mirror republishes presence changes outside the process.
type Mirror interface {
	PublishPresence(ctx context.Context, ev models.PresenceChanged) error
}

// Notifier fans presence changes out to every connected session except the
// subject. Delivery is best effort: failed pushes are counted and skipped.
type Notifier struct {
	reg     presence.Registry
	mirror  Mirror
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewNotifier(reg presence.Registry, log *slog.Logger, m *metrics.Metrics, mirror Mirror) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		reg:     reg,
		mirror:  mirror,
		log:     log,
		metrics: m,
	}
}

func (n *Notifier) BroadcastOnline(ctx context.Context, user string) {
	n.broadcast(ctx, models.PresenceChanged{UserID: user, Online: true})
}

func (n *Notifier) BroadcastOffline(ctx context.Context, user string) {
	n.broadcast(ctx, models.PresenceChanged{UserID: user, Online: false})
}

func (n *Notifier) broadcast(ctx context.Context, ev models.PresenceChanged) {
	sent := 0
	for _, s := range n.reg.Sessions() {
		if s.User == ev.UserID {
			continue
		}
		if err := s.Handle.Push(ev); err != nil {
			n.metrics.PushFailure(metrics.KindPresence)
			n.log.Debug("presence push failed",
				"user", ev.UserID,
				"peer", s.User,
				"conn_id", s.Handle.ID(),
				"error", err,
			)
			continue
		}
		sent++
	}
	n.metrics.Presence(ev.Online)
	n.log.Debug("presence broadcast", "user", ev.UserID, "online", ev.Online, "recipients", sent)

	if n.mirror == nil {
		return
	}
	if err := n.mirror.PublishPresence(ctx, ev); err != nil {
		n.log.Warn("presence mirror publish failed", "user", ev.UserID, "error", err)
	}
}
