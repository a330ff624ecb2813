package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrelay/apperr"
	"chatrelay/models"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPingInterval    = 30 * time.Second
	wsPongWait        = 75 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is an inbound frame: {"event":"send","id":"1","data":{...}}.
type wsFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsOutFrame struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type wsFocusParams struct {
	Partner string `json:"partner"`
}

type wsSendParams struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type wsAck struct {
	Status string `json:"status"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func encodeWSEvent(ev models.Event) ([]byte, error) {
	return json.Marshal(wsOutFrame{Event: ev.EventName(), Data: ev})
}

// handleWebSocket upgrades GET /ws?token=...&focus=... and registers the
// connection with the relay under the token's user.
func (s *Server) handleWebSocket(gc *gin.Context) {
	r := gc.Request
	login, err := s.authenticate(r)
	if err != nil {
		writeError(gc, err)
		return
	}

	ws, err := s.upgrader.Upgrade(gc.Writer, r, nil)
	if err != nil {
		return
	}

	c := newConn(transportWS, r.RemoteAddr, ws, s.config.SendBuffer, encodeWSEvent)
	c.setLogin(login)
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	log := c.logger(s.log).With("user", login)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.wsWriteLoop(ws, c, log)
	}()

	if err := s.engine.Connect(ctx, login, c, r.URL.Query().Get("focus")); err != nil {
		log.Warn("connect finished with errors", "error", err)
	}
	log.Info("websocket client connected")

	s.wsReadLoop(ctx, ws, c, login, log)

	s.engine.Disconnect(ctx, c)
	c.Close()
	<-writerDone
	log.Info("websocket client disconnected", "duration", time.Since(c.connectedAt))
}

func (s *Server) wsReadLoop(ctx context.Context, ws *websocket.Conn, c *Conn, login string, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in websocket handler", "panic", fmt.Sprint(r))
		}
	}()

	ws.SetReadLimit(wsMaxPayloadBytes)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.wsFail(c, "", errInvalidPacket)
			continue
		}
		s.handleWSFrame(ctx, c, login, &frame)
	}
}

func (s *Server) handleWSFrame(ctx context.Context, c *Conn, login string, frame *wsFrame) {
	switch frame.Event {
	case "ping":
		s.wsReply(c, "pong", frame.ID, nil)

	case "focus":
		var params wsFocusParams
		if err := json.Unmarshal(frame.Data, &params); err != nil {
			s.wsFail(c, frame.ID, apperr.ErrInvalidParams)
			return
		}
		if err := s.engine.SetFocus(ctx, login, params.Partner); err != nil {
			s.wsFail(c, frame.ID, err)
			return
		}
		s.wsReply(c, "ack", frame.ID, wsAck{Status: "ok"})

	case "send":
		var params wsSendParams
		if err := json.Unmarshal(frame.Data, &params); err != nil {
			s.wsFail(c, frame.ID, apperr.ErrInvalidParams)
			return
		}
		if err := s.checkSend(ctx, login, params.To, params.Text); err != nil {
			s.wsFail(c, frame.ID, err)
			return
		}
		outcome, err := s.engine.Send(ctx, login, params.To, params.Text)
		if err != nil {
			s.wsFail(c, frame.ID, err)
			return
		}
		s.wsReply(c, "ack", frame.ID, wsAck{Status: outcome.String()})

	case "pending":
		counts, err := s.engine.Pending(ctx, login)
		if err != nil {
			s.wsFail(c, frame.ID, err)
			return
		}
		s.wsReply(c, "pending", frame.ID, counts)

	default:
		s.wsFail(c, frame.ID, errUnknownPacket)
	}
}

func (s *Server) wsReply(c *Conn, event, id string, data any) {
	payload, err := json.Marshal(wsOutFrame{Event: event, ID: id, Data: data})
	if err != nil {
		s.log.Error("encode websocket frame", "event", event, "error", err)
		return
	}
	if err := c.enqueue(outbound{data: payload}); err != nil {
		s.log.Debug("reply dropped", "conn_id", c.id, "event", event, "error", err)
	}
}

func (s *Server) wsFail(c *Conn, id string, err error) {
	if apperr.GetCode(err) == apperr.CodeServerError {
		s.log.Error("request failed", "conn_id", c.id, "error", err)
	}
	s.wsReply(c, "error", id, wsError{Code: apperr.GetCode(err), Message: apperr.GetMessage(err)})
}

func (s *Server) wsWriteLoop(ws *websocket.Conn, c *Conn, log *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case o := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, o.data); err != nil {
				log.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}
			if o.close {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
