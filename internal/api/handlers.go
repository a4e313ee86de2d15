package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradechat/internal/auth"
	"tradechat/internal/logging"
	"tradechat/internal/models"
	"tradechat/internal/service/chat"
	"tradechat/internal/worker"
)

const defaultGenerateTimeout = 2 * time.Minute

// ReplyGenerator runs assistant generation off the request goroutine.
type ReplyGenerator interface {
	Generate(ctx context.Context, req worker.GenerateRequest) (string, error)
	CancelUser(userID int64)
}

// Handler wires HTTP routes to the chat service and the reply workers.
type Handler struct {
	chat            *chat.Service
	auth            *auth.Service
	replies         ReplyGenerator
	generateTimeout time.Duration
	logger          *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService *chat.Service, authService *auth.Service, replies ReplyGenerator, generateTimeout time.Duration, logger *zap.Logger) *Handler {
	if generateTimeout <= 0 {
		generateTimeout = defaultGenerateTimeout
	}
	logger = logging.OrNop(logger)
	return &Handler{
		chat:            chatService,
		auth:            authService,
		replies:         replies,
		generateTimeout: generateTimeout,
		logger:          logger,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID(), h.accessLog())

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)

	chatRoutes := api.Group("/chat")
	chatRoutes.Use(authMW, h.auth.CSRFMiddleware())
	chatRoutes.POST("/sessions", h.createSession)
	chatRoutes.GET("/sessions", h.listSessions)
	chatRoutes.GET("/sessions/:session_id", h.getSession)
	chatRoutes.PATCH("/sessions/:session_id", h.updateSession)
	chatRoutes.POST("/sessions/:session_id/messages", h.appendMessage)
	chatRoutes.GET("/sessions/:session_id/messages", h.listMessages)
	chatRoutes.GET("/sessions/:session_id/messages/latest", h.latestMessage)
	chatRoutes.POST("/sessions/:session_id/reply", h.generateReply)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidCredentials) || errors.Is(err, chat.ErrInvalidInput) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.replies.CancelUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.replies.CancelUser(id)
	if err := h.chat.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.writeError(c, err)
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type createSessionRequest struct {
	Purpose     models.Purpose `json:"purpose"`
	Language    string         `json:"language"`
	SessionData string         `json:"session_data"`
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.chat.CreateSession(c.Request.Context(), userID, req.Purpose, req.Language, req.SessionData)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.chat.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = make([]*models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	session, err := h.chat.GetSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type updateSessionRequest struct {
	Status      models.SessionStatus `json:"status"`
	SessionData *string              `json:"session_data"`
}

func (h *Handler) updateSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.chat.UpdateSession(c.Request.Context(), userID, sessionID, req.Status, req.SessionData)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type appendMessageRequest struct {
	Sender   models.Role `json:"sender"`
	Content  string      `json:"content"`
	Kind     models.Kind `json:"kind"`
	Metadata string      `json:"metadata"`
}

func (h *Handler) appendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Sender == "" {
		req.Sender = models.RoleUser
	}
	message, err := h.chat.AppendMessage(c.Request.Context(), userID, sessionID, req.Sender, req.Content, req.Kind, req.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) latestMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	message, err := h.chat.LatestMessage(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if message == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, message)
}

type replyRequest struct {
	Content string `json:"content"`
}

// generateReply asks the assistant to answer the session's latest user turn
// and stores the answer as an ASSISTANT message.
func (h *Handler) generateReply(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}

	ctx := c.Request.Context()
	session, err := h.chat.GetSession(ctx, userID, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if session.Status != models.StatusActive {
		h.writeError(c, chat.ErrSessionNotActive)
		return
	}
	history, err := h.chat.ListMessages(ctx, userID, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, h.generateTimeout)
	defer cancel()
	reply, err := h.replies.Generate(genCtx, worker.GenerateRequest{
		Session:  session,
		History:  history,
		UserText: content,
	})
	if err != nil {
		h.writeGenerateError(c, session, err)
		return
	}

	message, err := h.chat.AppendMessage(ctx, userID, sessionID, models.RoleAssistant, reply, models.KindText, "")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *Handler) writeGenerateError(c *gin.Context, session *models.Session, err error) {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, worker.ErrReplyInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Warn("assistant reply failed",
			zap.Int64("user_id", session.UserID),
			zap.Int64("session_id", session.ID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant reply failed: " + err.Error()})
	}
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, chat.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrUsernameTaken),
		errors.Is(err, chat.ErrSessionNotActive),
		errors.Is(err, chat.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func sessionParam(c *gin.Context) (int64, bool) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return sessionID, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
