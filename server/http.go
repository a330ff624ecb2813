package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/apperr"
	"chatrelay/db"
	"chatrelay/models"
)

const ctxLogin = "login"

// Response is the JSON envelope of every HTTP endpoint.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type upsertUserRequest struct {
	Password string         `json:"password,omitempty"`
	Fields   map[string]any `json:"fields"`
}

type userView struct {
	Login       string         `json:"login"`
	Fields      map[string]any `json:"fields"`
	Online      bool           `json:"online"`
	LastOnline  time.Time      `json:"lastOnline"`
	LastOffline time.Time      `json:"lastOffline"`
}

// Handler returns the HTTP routes, WebSocket included.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.POST("/login", s.handleLogin)
	r.PUT("/users/:login", s.handleUpsertUser)
	r.GET("/ws", s.handleWebSocket)

	authed := r.Group("/", s.requireAuth())
	authed.GET("/users", s.handleListUsers)
	authed.GET("/pending", s.handlePending)
	authed.GET("/messages/:sender", s.handleBacklog)

	if s.health != nil {
		r.GET("/health", gin.WrapH(s.health))
	}
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
	return r
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func writeSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: apperr.CodeSuccess, Message: "success", Data: data})
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), Response{Code: apperr.GetCode(err), Message: apperr.GetMessage(err)})
}

func statusFor(err error) int {
	switch apperr.GetCode(err) {
	case apperr.CodeInvalidCredentials, apperr.CodeTokenInvalid, apperr.CodeNotAuthenticated:
		return http.StatusUnauthorized
	case apperr.CodeUsernameExists:
		return http.StatusConflict
	case apperr.CodeUserNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidParams, apperr.CodeCodecError:
		return http.StatusBadRequest
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// authenticate reads the bearer token from the Authorization header or the
// token query parameter.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		var ok bool
		token, ok = strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", apperr.ErrTokenInvalid
		}
	}
	return s.auth.Validate(strings.TrimSpace(token))
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		login, err := s.authenticate(c.Request)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(ctxLogin, login)
		c.Next()
	}
}

func currentLogin(c *gin.Context) string {
	return c.GetString(ctxLogin)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.ErrInvalidParams.Wrap(err))
		return
	}

	token, err := s.auth.Login(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, token)
}

// handleUpsertUser creates a user or merges profile fields into an existing
// one. Existing profiles can only be changed by their owner.
func (s *Server) handleUpsertUser(c *gin.Context) {
	login := c.Param("login")
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.ErrInvalidParams.Wrap(err))
		return
	}

	ctx := c.Request.Context()
	exists, err := s.users.UserExists(ctx, login)
	if err != nil {
		writeError(c, err)
		return
	}
	if exists {
		caller, err := s.authenticate(c.Request)
		if err != nil {
			writeError(c, err)
			return
		}
		if caller != login {
			writeError(c, apperr.ErrNotAuthenticated)
			return
		}
	}

	user, err := s.users.UpsertProfile(ctx, login, req.Password, req.Fields)
	if err != nil {
		writeError(c, err)
		return
	}
	if !exists {
		s.log.Info("user registered", "user", login)
	}
	writeSuccess(c, s.view(user))
}

func (s *Server) handleListUsers(c *gin.Context) {
	users, err := s.users.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]userView, 0, len(users))
	for i := range users {
		views = append(views, s.view(&users[i]))
	}
	writeSuccess(c, views)
}

func (s *Server) handlePending(c *gin.Context) {
	counts, err := s.engine.Pending(c.Request.Context(), currentLogin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, counts)
}

func (s *Server) handleBacklog(c *gin.Context) {
	ctx := c.Request.Context()
	sender := c.Param("sender")
	if _, err := s.users.GetUser(ctx, sender); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			err = apperr.ErrUserNotFound
		}
		writeError(c, err)
		return
	}

	backlog, err := s.engine.Backlog(ctx, currentLogin(c), sender)
	if err != nil {
		writeError(c, err)
		return
	}
	if backlog == nil {
		backlog = []models.MessageDelivered{}
	}
	writeSuccess(c, backlog)
}

func (s *Server) view(u *models.User) userView {
	fields := u.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return userView{
		Login:       u.Login,
		Fields:      fields,
		Online:      s.engine.Online(u.Login),
		LastOnline:  u.LastOnline,
		LastOffline: u.LastOffline,
	}
}
