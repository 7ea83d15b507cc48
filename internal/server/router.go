// Package server assembles the HTTP surface: route table, token middleware,
// the reason-to-status mapping, and SSE progress streaming. Handlers stay
// thin; game rules live in the domain services.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/auth"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/metrics"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/proofcheck"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	userIDContextKey        = "wanderquest_user_id"
	userRolesContextKey     = "wanderquest_user_roles"
	participantIDContextKey = "wanderquest_participant_id"
	challengeIDContextKey   = "wanderquest_challenge_id"

	accessTokenQueryParam = "access_token"
)

var (
	errMissingUsersService       = errors.New("users service dependency required")
	errMissingTokenService       = errors.New("token service dependency required")
	errMissingChallengeService   = errors.New("challenge service dependency required")
	errMissingParticipantService = errors.New("participant service dependency required")
	errMissingAuditLog           = errors.New("audit log dependency required")
	errMissingImageStore         = errors.New("image store dependency required")
	errMissingDispatcher         = errors.New("progress dispatcher dependency required")
)

// Dependencies carries the collaborators the HTTP layer delegates to.
// Metrics and Database are optional; without them the metrics routes are
// omitted and /health skips the ping.
type Dependencies struct {
	Users          *users.Service
	Tokens         *auth.TokenService
	Challenges     *challenge.Service
	Participants   *participant.Service
	Auditor        *audit.Log
	Images         *proofcheck.ImageStore
	Realtime       *ProgressDispatcher
	Database       *gorm.DB
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine with the full route table.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Challenges == nil {
		return nil, errMissingChallengeService
	}
	if deps.Participants == nil {
		return nil, errMissingParticipantService
	}
	if deps.Auditor == nil {
		return nil, errMissingAuditLog
	}
	if deps.Images == nil {
		return nil, errMissingImageStore
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		users:        deps.Users,
		tokens:       deps.Tokens,
		challenges:   deps.Challenges,
		participants: deps.Participants,
		auditor:      deps.Auditor,
		images:       deps.Images,
		realtime:     deps.Realtime,
		db:           deps.Database,
		logger:       logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/health", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.POST("/authentication/register", handler.handleRegister)
	router.POST("/authentication/login", handler.handleLogin)

	game := router.Group("/")
	game.Use(handler.authorizeGame)
	game.GET("/challenges", handler.handleListChallenges)
	game.GET("/challenges/:challenge_id", handler.handleGetChallenge)
	game.POST("/challenges/:challenge_id/start", handler.handleStartChallenge)
	game.POST("/challenge/authentication", handler.handleChallengeAuthentication)

	moderator := game.Group("/")
	moderator.Use(handler.requireModeratorRole)
	moderator.POST("/challenges", handler.handleCreateChallenge)
	moderator.PUT("/challenges/:challenge_id", handler.handlePublishVersion)
	moderator.GET("/challenges/:challenge_id/history", handler.handleVersionHistory)
	moderator.POST("/challenges/:challenge_id/invites", handler.handleInvite)
	moderator.GET("/challenges/:challenge_id/participants/:participant_id/events", handler.handleParticipantEvents)

	run := router.Group("/participant")
	run.Use(handler.authorizeParticipant)
	run.GET("/state", handler.handleParticipantState)
	run.POST("/waypoints/:waypoint_index/present", handler.handlePresentWaypoint)
	run.POST("/waypoints/:waypoint_index/checkin", handler.handleCheckIn)
	run.POST("/waypoints/:waypoint_index/proof", handler.handleProofUpload)
	run.GET("/proof/status", handler.handleProofStatus)
	run.POST("/location", handler.handleLocationPing)
	run.GET("/stream", handler.handleProgressStream)

	return router, nil
}

type httpHandler struct {
	users        *users.Service
	tokens       *auth.TokenService
	challenges   *challenge.Service
	participants *participant.Service
	auditor      *audit.Log
	images       *proofcheck.ImageStore
	realtime     *ProgressDispatcher
	db           *gorm.DB
	logger       *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeGame(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	claims, err := h.tokens.ValidateGameToken(token)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(userRolesContextKey, claims.Roles)
	c.Next()
}

// authorizeParticipant accepts the bearer header or, for EventSource
// clients that cannot set headers, the access_token query parameter.
func (h *httpHandler) authorizeParticipant(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		token = c.Query(accessTokenQueryParam)
	}
	claims, err := h.tokens.ValidateParticipantToken(token)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(participantIDContextKey, claims.Subject)
	c.Set(challengeIDContextKey, claims.ChallengeID)
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// Expired tokens are routine client churn; anything else is worth a warning.
func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func (h *httpHandler) requireModeratorRole(c *gin.Context) {
	if !hasAnyRole(rolesFromContext(c), users.RoleChallengeModerator, users.RoleChallengeManager, users.RoleGameAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func rolesFromContext(c *gin.Context) []string {
	value, ok := c.Get(userRolesContextKey)
	if !ok {
		return nil
	}
	roles, ok := value.([]string)
	if !ok {
		return nil
	}
	return roles
}

func hasAnyRole(roles []string, wanted ...users.Role) bool {
	for _, role := range roles {
		for _, want := range wanted {
			if role == string(want) {
				return true
			}
		}
	}
	return false
}

// statusForServiceError is the single reason-to-status table. Unknown
// reasons and non-service errors are internal failures.
func statusForServiceError(err error) (int, string) {
	reason, ok := serviceerror.ReasonOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal_error"
	}
	switch reason {
	case "not_found", "no_proof":
		return http.StatusNotFound, reason
	case "already_joined", "wrong_state", "wrong_waypoint", "email_taken":
		return http.StatusConflict, reason
	case "invalid_email", "weak_password", "invalid_coordinates", "missing_image",
		"invalid_definition", "invalid_filename":
		return http.StatusBadRequest, reason
	case "invalid_credentials":
		return http.StatusUnauthorized, reason
	case "validator_unavailable":
		return http.StatusServiceUnavailable, reason
	default:
		return http.StatusInternalServerError, reason
	}
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status, reason := statusForServiceError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason})
}
