package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/auth"
	"github.com/MarcoPoloResearchLab/esasync/internal/ledger"
	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"github.com/MarcoPoloResearchLab/esasync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "esasync_claims"
	queryAccessToken = "access_token"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingAccounts      = errors.New("account authenticator dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingLedger        = errors.New("ledger dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Authenticator checks technician credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (auth.Identity, error)
}

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Claims, error)
}

// Ledger stores pushed records and answers pulls.
type Ledger interface {
	Apply(ctx context.Context, writer string, batch protocol.PushRequest) (protocol.PushResponse, error)
	Pull(ctx context.Context, table string, since time.Time) (protocol.PullResponse, error)
}

type Dependencies struct {
	Accounts          Authenticator
	TokenManager      TokenManager
	Ledger            Ledger
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		accounts:  deps.Accounts,
		tokens:    deps.TokenManager,
		ledger:    deps.Ledger,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST(protocol.PathLogin, handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(protocol.PathPush, handler.handlePush)
	protected.GET(protocol.PathPullPrefix+":table", handler.handlePull)
	protected.GET(protocol.PathEvents, handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	accounts  Authenticator
	tokens    TokenManager
	ledger    Ledger
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request protocol.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "")
		return
	}

	identity, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			h.logger.Info("login rejected", zap.String("username", request.Username))
			respondError(c, http.StatusUnauthorized, "invalid_credentials", "")
			return
		}
		h.logger.Error("failed to authenticate technician", zap.String("username", request.Username), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "authentication_failed", "")
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token_issue_failed", "")
		return
	}

	c.JSON(http.StatusOK, protocol.LoginResponse{
		AccessToken: token,
		TokenType:   protocol.TokenType,
		ExpiresIn:   expiresIn,
		Username:    identity.Username,
		FullName:    identity.FullName,
		Role:        identity.Role,
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	var request protocol.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "")
		return
	}

	response, err := h.ledger.Apply(c.Request.Context(), claims.Subject, request)
	if err != nil {
		h.respondLedgerError(c, "failed to apply pushed records", err, zap.String("table", request.Table))
		return
	}

	accepted := 0
	for _, result := range response.Results {
		if result.Accepted {
			accepted++
		}
	}
	h.logger.Info("push applied",
		zap.String("username", claims.Subject),
		zap.String("table", response.Table),
		zap.Int("records", len(response.Results)),
		zap.Int("accepted", accepted))
	if accepted > 0 {
		h.realtime.Publish(protocol.ChangeNotice{
			Tables:     []string{response.Table},
			Username:   claims.Subject,
			ServerTime: response.ServerTime,
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	since, err := protocol.ParseSince(c.Query(protocol.QuerySince))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_since", "")
		return
	}

	table := c.Param("table")
	response, err := h.ledger.Pull(c.Request.Context(), table, since)
	if err != nil {
		h.respondLedgerError(c, "failed to pull records", err, zap.String("table", table))
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, claims.Subject)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notice, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(RealtimeEventChanges, notice)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":      realtimeSourceBackend,
				"server_time": tick.UTC(),
			})
			return true
		}
	})
}

// authorizeRequest accepts the bearer header, or the access_token query parameter on the event
// stream where browsers cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, protocol.TokenType+" ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, protocol.TokenType+" "))
	} else if c.FullPath() == protocol.PathEvents {
		token = strings.TrimSpace(c.Query(queryAccessToken))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) respondLedgerError(c *gin.Context, message string, err error, fields ...zap.Field) {
	code := ""
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if ledger.IsClientError(err) {
		h.logger.Info(message, append(fields, zap.Error(err))...)
		respondError(c, http.StatusBadRequest, err.Error(), code)
		return
	}
	h.logger.Error(message, append(fields, zap.Error(err))...)
	respondError(c, http.StatusInternalServerError, "sync_failed", code)
}

func claimsFrom(c *gin.Context) (auth.Claims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.Claims{}, false
	}
	claims, ok := value.(auth.Claims)
	if !ok || claims.Subject == "" {
		return auth.Claims{}, false
	}
	return claims, true
}

func respondError(c *gin.Context, status int, message, code string) {
	c.JSON(status, protocol.ErrorResponse{Error: message, Code: code})
}
