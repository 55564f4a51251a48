package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"videocall-platform/internal/auth"
	"videocall-platform/internal/calls"
	"videocall-platform/internal/history"
	"videocall-platform/internal/presence"
	"videocall-platform/internal/users"
	"videocall-platform/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Users      *users.Service
	History    *history.Service
	Presence   presence.Lister
	ICEServers []webrtc.ICEServer
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Success  bool   `json:"success"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Login resolves the username to a durable user id, creating the user on
// first login, and issues an access token. There are no passwords.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	u, err := h.Users.ResolveOrCreateUser(c.Request.Context(), req.Username)
	if errors.Is(err, users.ErrInvalidUsername) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Username is required"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("login failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	tok, err := h.Auth.IssueAccess(time.Now(), u.ID, u.Username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Success: true, UserID: u.ID, Username: u.Username, Token: tok})
}

// --- Presence ---

// ListUsers returns the users currently online, ordered by username.
func (h Handlers) ListUsers(c *gin.Context) {
	if h.Presence == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence not configured"})
		return
	}
	list, err := h.Presence.List(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("list users failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}
	if list == nil {
		list = []presence.Entry{}
	}
	c.JSON(http.StatusOK, list)
}

// --- Call history ---

// CallHistory returns the newest rows for the user in the path.
// Access: the user themself (see auth.RequireSelf).
func (h Handlers) CallHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	limit := history.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	rows, err := h.History.List(c.Request.Context(), userID, limit)
	if err != nil {
		logger.FromGin(c).Error("call history lookup failed", "err", err, "user_id", userID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch call history"})
		return
	}
	if rows == nil {
		rows = []history.Record{}
	}
	c.JSON(http.StatusOK, rows)
}

// CallSummary aggregates the user's recent history.
func (h Handlers) CallSummary(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	sum, err := h.History.Summary(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Error("call summary failed", "err", err, "user_id", userID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to summarize call history"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

type saveCallHistoryRequest struct {
	CallerID   int64  `json:"callerId"`
	ReceiverID int64  `json:"receiverId"`
	Status     string `json:"status"`
	Duration   int    `json:"duration"`
}

// SaveCallHistory appends a row reported by a client. The authenticated user
// must be one of the participants.
func (h Handlers) SaveCallHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	var req saveCallHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if uid != req.CallerID && uid != req.ReceiverID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	rec, err := h.History.Save(c.Request.Context(), history.Record{
		CallerID:        req.CallerID,
		ReceiverID:      req.ReceiverID,
		Status:          calls.Outcome(req.Status),
		DurationSeconds: req.Duration,
	})
	if errors.Is(err, history.ErrInvalidRecord) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call history record"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("save call history failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to save call history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "callId": rec.ID})
}

// --- ICE ---

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ListICEServers returns the STUN/TURN servers browsers should use for their
// peer connections.
func (h Handlers) ListICEServers(c *gin.Context) {
	out := make([]iceServer, 0, len(h.ICEServers))
	for _, s := range h.ICEServers {
		item := iceServer{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			item.Credential = cred
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": out})
}

func pathUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return 0, false
	}
	return id, true
}
