// Package relay decides, for every chat message, whether it is pushed to a
// live connection or sealed and queued, and delivers queued backlog once both
// parties of a conversation are focused on each other.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatrelay/apperr"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/presence"
)

// MessageStore is the durable queue of undelivered messages.
type MessageStore interface {
	Enqueue(ctx context.Context, msg models.PendingMessage) error
	Drain(ctx context.Context, recipient, sender string) ([]models.PendingMessage, error)
	Purge(ctx context.Context, recipient, sender string) error
	PurgeThrough(ctx context.Context, recipient, sender string, lastID int64) error
	CountBySender(ctx context.Context, recipient string) (map[string]int, error)
}

// Codec seals payloads before they are stored.
type Codec interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// LastSeen records connection timestamps on the user profile.
type LastSeen interface {
	UpdateLastOnline(ctx context.Context, login string, t time.Time) error
	UpdateLastOffline(ctx context.Context, login string, t time.Time) error
}

// Outcome is what happened to a sent message.
type Outcome int

const (
	// Queued means the message was sealed and stored for later delivery.
	Queued Outcome = iota
	// Delivered means the message was pushed to the recipient's connection.
	Delivered
	// Dropped means the direct push failed and the message was discarded.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// ReasonReplaced is the Shutdown reason pushed to a connection evicted by a
// newer connection of the same user.
const ReasonReplaced = "replaced"

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMirror publishes presence changes through m as well as to connections.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

func WithLastSeen(ls LastSeen) Option {
	return func(e *Engine) { e.lastSeen = ls }
}

// WithPersistOnPushFailure queues a direct message whose push failed instead
// of dropping it.
func WithPersistOnPushFailure(enabled bool) Option {
	return func(e *Engine) { e.persistOnPushFailure = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the push-or-queue decision. Every operation touching a
// conversation runs under that conversation's lock, so a send never races a
// backlog drain for the same two users.
type Engine struct {
	reg      presence.Registry
	store    MessageStore
	codec    Codec
	notifier *Notifier
	locks    *pairLocks

	mirror               Mirror
	lastSeen             LastSeen
	persistOnPushFailure bool
	log                  *slog.Logger
	metrics              *metrics.Metrics
	now                  func() time.Time
}

func New(reg presence.Registry, store MessageStore, codec Codec, opts ...Option) *Engine {
	e := &Engine{
		reg:   reg,
		store: store,
		codec: codec,
		locks: newPairLocks(),
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "relay")
	e.notifier = NewNotifier(reg, e.log, e.metrics, e.mirror)
	return e
}

// Connect registers h as the live connection of user, focused on focus
// (empty for none). A previous connection of the same user is evicted and
// told so. Online presence is broadcast only when the user had no session.
func (e *Engine) Connect(ctx context.Context, user string, h presence.Handle, focus string) error {
	if user == "" || h == nil {
		return apperr.ErrInvalidParams.Wrapf("connect needs a user and a handle")
	}
	if focus == user {
		focus = ""
	}

	var (
		prev     presence.Session
		replaced bool
		err      error
	)
	if focus == "" {
		prev, replaced = e.reg.Connect(user, h, "")
	} else {
		unlock := e.locks.lock(user, focus)
		prev, replaced = e.reg.Connect(user, h, focus)
		err = e.deliverBacklog(ctx, user, focus)
		unlock()
	}
	e.metrics.SetActiveSessions(e.reg.Len())

	if replaced {
		if prev.Handle.ID() == h.ID() {
			return err
		}
		e.log.Info("session replaced", "user", user, "conn_id", h.ID(), "old_conn_id", prev.Handle.ID())
		if perr := prev.Handle.Push(models.Shutdown{Reason: ReasonReplaced}); perr != nil {
			e.log.Debug("evicted connection unreachable", "user", user, "conn_id", prev.Handle.ID(), "error", perr)
		}
		return err
	}

	e.log.Info("user online", "user", user, "conn_id", h.ID(), "focus", focus)
	if e.lastSeen != nil {
		if lerr := e.lastSeen.UpdateLastOnline(ctx, user, e.now().UTC()); lerr != nil {
			e.log.Warn("failed to update last_online", "user", user, "error", lerr)
		}
	}
	e.notifier.BroadcastOnline(ctx, user)
	return err
}

// SetFocus changes the conversation user is looking at. Focusing a partner
// that is focused back drains the backlog of the pair.
func (e *Engine) SetFocus(ctx context.Context, user, partner string) error {
	if partner == user {
		partner = ""
	}
	if partner == "" {
		if !e.reg.SetFocus(user, "") {
			return apperr.ErrNotAuthenticated
		}
		return nil
	}

	unlock := e.locks.lock(user, partner)
	defer unlock()

	if !e.reg.SetFocus(user, partner) {
		return apperr.ErrNotAuthenticated
	}
	return e.deliverBacklog(ctx, user, partner)
}

// Disconnect removes the session owning h and broadcasts offline presence.
// It is a no-op when h was already replaced or disconnected.
func (e *Engine) Disconnect(ctx context.Context, h presence.Handle) {
	user, ok := e.reg.Disconnect(h)
	if !ok {
		return
	}
	e.metrics.SetActiveSessions(e.reg.Len())
	e.log.Info("user offline", "user", user, "conn_id", h.ID())

	if e.lastSeen != nil {
		if err := e.lastSeen.UpdateLastOffline(ctx, user, e.now().UTC()); err != nil {
			e.log.Warn("failed to update last_offline", "user", user, "error", err)
		}
	}
	e.notifier.BroadcastOffline(ctx, user)
}

// Send pushes text straight to recipient when both are focused on each
// other, and queues it sealed otherwise.
func (e *Engine) Send(ctx context.Context, sender, recipient, text string) (Outcome, error) {
	if sender == "" || recipient == "" {
		return Queued, apperr.ErrInvalidParams.Wrapf("sender and recipient are required")
	}
	if sender == recipient {
		return Queued, apperr.ErrInvalidParams.Wrapf("cannot send to yourself")
	}

	unlock := e.locks.lock(sender, recipient)
	defer unlock()

	sa, okA, sb, okB := e.reg.Pair(sender, recipient)
	if presence.Mutual(sa, okA, sb, okB) {
		err := sb.Handle.Push(models.MessageDelivered{
			SenderID: sender,
			Text:     text,
			SentAt:   e.now().UTC(),
		})
		if err == nil {
			e.metrics.Message(metrics.PathDelivered)
			return Delivered, nil
		}

		e.metrics.PushFailure(metrics.KindMessage)
		if !e.persistOnPushFailure {
			e.metrics.Message(metrics.PathDropped)
			e.log.Warn("direct push failed, message dropped",
				"user", sender, "peer", recipient, "conn_id", sb.Handle.ID(), "error", err)
			return Dropped, nil
		}
		e.log.Warn("direct push failed, queueing",
			"user", sender, "peer", recipient, "conn_id", sb.Handle.ID(), "error", err)
	}

	if err := e.enqueue(ctx, sender, recipient, text); err != nil {
		return Queued, err
	}
	e.metrics.Message(metrics.PathQueued)
	return Queued, nil
}

func (e *Engine) enqueue(ctx context.Context, sender, recipient, text string) error {
	sealed, err := e.codec.Seal(text)
	if err != nil {
		e.log.Error("seal failed", "user", sender, "peer", recipient, "error", err)
		return err
	}
	err = e.store.Enqueue(ctx, models.PendingMessage{
		Sender:     sender,
		Recipient:  recipient,
		Ciphertext: sealed,
		CreatedAt:  e.now().UTC(),
	})
	if err != nil {
		e.metrics.StoreError("enqueue")
		e.log.Error("enqueue failed, message lost", "user", sender, "peer", recipient, "error", err)
		return err
	}
	return nil
}

// Pending returns how many queued messages recipient has per sender.
func (e *Engine) Pending(ctx context.Context, recipient string) (map[string]int, error) {
	counts, err := e.store.CountBySender(ctx, recipient)
	if err != nil {
		e.metrics.StoreError("count")
		return nil, err
	}
	return counts, nil
}

// Backlog returns the queued messages from sender to recipient, decoded,
// without removing them. Undecodable entries are skipped.
func (e *Engine) Backlog(ctx context.Context, recipient, sender string) ([]models.MessageDelivered, error) {
	pending, err := e.store.Drain(ctx, recipient, sender)
	if err != nil {
		e.metrics.StoreError("drain")
		return nil, err
	}

	out := make([]models.MessageDelivered, 0, len(pending))
	for _, m := range pending {
		text, err := e.codec.Open(m.Ciphertext)
		if err != nil {
			e.log.Warn("skipping undecodable message", "user", recipient, "peer", sender, "id", m.ID, "error", err)
			continue
		}
		out = append(out, models.MessageDelivered{SenderID: m.Sender, Text: text, SentAt: m.CreatedAt})
	}
	return out, nil
}

// Online reports whether user holds a live connection.
func (e *Engine) Online(user string) bool {
	_, ok := e.reg.Lookup(user)
	return ok
}

// Sessions returns a snapshot of every live session.
func (e *Engine) Sessions() []presence.Session {
	return e.reg.Sessions()
}

// deliverBacklog drains both directions of the conversation when the two
// users are mutually focused. The caller holds the pair lock.
func (e *Engine) deliverBacklog(ctx context.Context, a, b string) error {
	sa, okA, sb, okB := e.reg.Pair(a, b)
	if !presence.Mutual(sa, okA, sb, okB) {
		return nil
	}
	return errors.Join(
		e.deliver(ctx, sa, b),
		e.deliver(ctx, sb, a),
	)
}

// deliver pushes everything sender queued for to, in order, and removes what
// was consumed. A failed push stops the batch; the rest stays queued.
func (e *Engine) deliver(ctx context.Context, to presence.Session, sender string) error {
	pending, err := e.store.Drain(ctx, to.User, sender)
	if err != nil {
		e.metrics.StoreError("drain")
		e.log.Error("drain failed", "user", to.User, "peer", sender, "error", err)
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var (
		lastID    int64
		consumed  int
		delivered int
	)
	for _, m := range pending {
		text, err := e.codec.Open(m.Ciphertext)
		if err != nil {
			e.metrics.Message(metrics.PathDropped)
			e.log.Warn("dropping undecodable message", "user", to.User, "peer", sender, "id", m.ID, "error", err)
			lastID = m.ID
			consumed++
			continue
		}
		err = to.Handle.Push(models.MessageDelivered{
			SenderID: sender,
			Text:     text,
			SentAt:   m.CreatedAt,
		})
		if err != nil {
			e.metrics.PushFailure(metrics.KindMessage)
			e.log.Warn("backlog push failed, keeping remainder",
				"user", to.User, "peer", sender, "conn_id", to.Handle.ID(),
				"delivered", delivered, "remaining", len(pending)-consumed, "error", err)
			break
		}
		lastID = m.ID
		consumed++
		delivered++
	}
	e.metrics.Drained(delivered)

	if consumed == 0 {
		return nil
	}
	if consumed == len(pending) {
		err = e.store.Purge(ctx, to.User, sender)
	} else {
		err = e.store.PurgeThrough(ctx, to.User, sender, lastID)
	}
	if err != nil {
		// the pushed messages stay stored and are pushed again next time
		e.metrics.StoreError("purge")
		e.log.Error("purge failed", "user", to.User, "peer", sender, "error", err)
		return err
	}

	e.log.Info("backlog delivered", "user", to.User, "peer", sender, "delivered", delivered, "consumed", consumed)
	return nil
}
