package server

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatrelay/apperr"
	"chatrelay/db"
	"chatrelay/protocol"
)

var (
	errInvalidPacket     = apperr.New(apperr.CodeInvalidParams, "Invalid packet format")
	errUnknownPacket     = apperr.New(apperr.CodeInvalidParams, "Unknown packet type")
	errAlreadyAuthorized = apperr.New(apperr.CodeInvalidParams, "Already authenticated")
)

var commands = []string{
	"ping",
	"reg",
	"auth",
	"focus",
	"msg",
	"offmsg",
	"hist",
	"stat",
	"bye",
	"help",
}

// handlePacket dispatches one packet. It returns true when the connection
// should end after the queued reply is written.
func (s *Server) handlePacket(ctx context.Context, c *Conn, pkt *protocol.Packet) bool {
	switch pkt.Type {
	case "ping":
		s.reply(c, "pong")
	case "reg":
		s.handleRegister(ctx, c, pkt)
	case "auth":
		s.handleAuth(ctx, c, pkt)
	case "focus":
		s.handleFocus(ctx, c, pkt)
	case "msg":
		s.handleMessage(ctx, c, pkt)
	case "offmsg":
		s.handleOfflineMessages(ctx, c)
	case "hist":
		s.handleHistory(ctx, c, pkt)
	case "stat":
		s.handleStatus(ctx, c, pkt)
	case "bye":
		s.handleBye(c)
		return true
	case "help":
		c.enqueue(outbound{data: []byte(protocol.FormatList("help", commands))})
	default:
		s.fail(c, "", errUnknownPacket)
	}
	return false
}

func (s *Server) reply(c *Conn, pktType string, fields ...string) {
	if err := c.enqueue(outbound{data: []byte(protocol.Format(pktType, fields...))}); err != nil {
		s.log.Debug("reply dropped", "conn_id", c.id, "type", pktType, "error", err)
	}
}

func (s *Server) replyRaw(c *Conn, pktType, raw string) {
	if err := c.enqueue(outbound{data: []byte(protocol.FormatRaw(pktType, raw))}); err != nil {
		s.log.Debug("reply dropped", "conn_id", c.id, "type", pktType, "error", err)
	}
}

func (s *Server) ok(c *Conn, operation string, fields ...string) {
	s.reply(c, "ok", append([]string{operation}, fields...)...)
}

// fail replies fail|operation|message. Errors without a code are logged and
// reported as internal.
func (s *Server) fail(c *Conn, operation string, err error) {
	if apperr.GetCode(err) == apperr.CodeServerError {
		s.log.Error("request failed", "conn_id", c.id, "op", operation, "error", err)
	}
	if operation == "" {
		s.reply(c, "fail", apperr.GetMessage(err))
		return
	}
	s.reply(c, "fail", operation, apperr.GetMessage(err))
}

func (s *Server) requireLogin(c *Conn, operation string) (string, bool) {
	login := c.Login()
	if login == "" {
		s.fail(c, operation, apperr.ErrNotAuthenticated)
		return "", false
	}
	return login, true
}

// reg|login|password
func (s *Server) handleRegister(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	login, password := pkt.Field(0), pkt.Field(1)
	if login == "" || password == "" {
		s.fail(c, "reg", apperr.ErrInvalidParams)
		return
	}

	if err := s.users.CreateUser(ctx, login, password); err != nil {
		s.fail(c, "reg", err)
		return
	}
	s.log.Info("user registered", "user", login, "conn_id", c.id)
	s.ok(c, "reg")
}

// auth|login|password[|focus]
func (s *Server) handleAuth(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	login, password, focus := pkt.Field(0), pkt.Field(1), pkt.Field(2)
	if c.Login() != "" {
		s.fail(c, "auth", errAlreadyAuthorized)
		return
	}
	if err := s.auth.CheckPassword(ctx, login, password); err != nil {
		s.log.Info("authentication failed", "user", login, "conn_id", c.id)
		s.fail(c, "auth", err)
		return
	}

	c.setLogin(login)
	// ok goes out before any backlog the connect pushes
	s.ok(c, "auth")
	if err := s.engine.Connect(ctx, login, c, focus); err != nil {
		s.log.Warn("connect finished with errors", "user", login, "conn_id", c.id, "error", err)
	}
}

// focus|partner, an empty partner clears the focus
func (s *Server) handleFocus(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	login, ok := s.requireLogin(c, "focus")
	if !ok {
		return
	}
	if err := s.engine.SetFocus(ctx, login, pkt.Field(0)); err != nil {
		s.fail(c, "focus", err)
		return
	}
	s.ok(c, "focus")
}

// msg|recipient|text
func (s *Server) handleMessage(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	login, ok := s.requireLogin(c, "msg")
	if !ok {
		return
	}
	recipient, text := pkt.Field(0), pkt.Field(1)
	if err := s.checkSend(ctx, login, recipient, text); err != nil {
		s.fail(c, "msg", err)
		return
	}

	outcome, err := s.engine.Send(ctx, login, recipient, text)
	if err != nil {
		s.fail(c, "msg", err)
		return
	}
	s.ok(c, "msg", outcome.String())
}

// checkSend applies the per-user rate limit and rejects unknown recipients.
func (s *Server) checkSend(ctx context.Context, sender, recipient, text string) error {
	if recipient == "" || text == "" {
		return apperr.ErrInvalidParams
	}
	if !s.limiter.Allow(sender, time.Now()) {
		return apperr.ErrRateLimited
	}
	exists, err := s.users.UserExists(ctx, recipient)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.ErrUserNotFound
	}
	return nil
}

// offmsg -> offmsg|sender|count,sender|count
func (s *Server) handleOfflineMessages(ctx context.Context, c *Conn) {
	login, ok := s.requireLogin(c, "offmsg")
	if !ok {
		return
	}

	counts, err := s.engine.Pending(ctx, login)
	if err != nil {
		s.fail(c, "offmsg", err)
		return
	}

	senders := make([]string, 0, len(counts))
	for sender := range counts {
		senders = append(senders, sender)
	}
	sort.Strings(senders)

	items := make([]string, 0, len(senders))
	for _, sender := range senders {
		items = append(items, protocol.Escape(sender)+"|"+strconv.Itoa(counts[sender]))
	}
	s.replyRaw(c, "offmsg", strings.Join(items, ","))
}

// hist|sender -> hist|sender|text|sent_at,... without removing anything
func (s *Server) handleHistory(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	login, ok := s.requireLogin(c, "hist")
	if !ok {
		return
	}
	sender := pkt.Field(0)
	if sender == "" {
		s.fail(c, "hist", apperr.ErrInvalidParams)
		return
	}

	backlog, err := s.engine.Backlog(ctx, login, sender)
	if err != nil {
		s.fail(c, "hist", err)
		return
	}

	items := make([]string, 0, len(backlog))
	for _, m := range backlog {
		items = append(items, protocol.Escape(m.SenderID)+"|"+protocol.Escape(m.Text)+"|"+m.SentAt.UTC().Format(time.RFC3339))
	}
	s.replyRaw(c, "hist", strings.Join(items, ","))
}

// stat[|login] -> stat|user|on|last_seen,...
// Without a login every online user is listed.
func (s *Server) handleStatus(ctx context.Context, c *Conn, pkt *protocol.Packet) {
	if _, ok := s.requireLogin(c, "stat"); !ok {
		return
	}

	var targets []string
	if target := pkt.Field(0); target != "" {
		exists, err := s.users.UserExists(ctx, target)
		if err != nil {
			s.fail(c, "stat", err)
			return
		}
		if !exists {
			s.fail(c, "stat", apperr.ErrUserNotFound)
			return
		}
		targets = append(targets, target)
	} else {
		for _, sess := range s.engine.Sessions() {
			targets = append(targets, sess.User)
		}
	}

	items := make([]string, 0, len(targets))
	for _, target := range targets {
		items = append(items, s.statusItem(ctx, target))
	}
	s.replyRaw(c, "stat", strings.Join(items, ","))
}

func (s *Server) statusItem(ctx context.Context, login string) string {
	status := "off"
	if s.engine.Online(login) {
		status = "on"
	}

	lastSeen := ""
	user, err := s.users.GetUser(ctx, login)
	switch {
	case err == nil:
		seen := user.LastOffline
		if user.LastOnline.After(seen) {
			seen = user.LastOnline
		}
		if !seen.IsZero() {
			lastSeen = seen.UTC().Format(time.RFC3339)
		}
	case !errors.Is(err, db.ErrNoRows):
		s.log.Warn("status lookup failed", "user", login, "error", err)
	}
	return protocol.Escape(login) + "|" + status + "|" + lastSeen
}

func (s *Server) handleBye(c *Conn) {
	if err := c.enqueue(outbound{data: []byte(protocol.Format("bye")), close: true}); err != nil {
		c.Close()
	}
}
