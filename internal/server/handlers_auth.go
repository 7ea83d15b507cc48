package server

import (
	"net/http"
	"strings"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	Account     users.Account `json:"account"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.Email, request.Password, request.Nickname, nil)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.respondWithSession(c, http.StatusCreated, account)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		// An unknown email and a wrong password are indistinguishable to
		// the caller.
		if reason, ok := serviceerror.ReasonOf(err); ok && (reason == "not_found" || reason == "invalid_credentials") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		h.respondServiceError(c, err)
		return
	}

	h.respondWithSession(c, http.StatusOK, account)
}

func (h *httpHandler) respondWithSession(c *gin.Context, status int, account users.Account) {
	token, expiresIn, err := h.tokens.IssueGameToken(account.UserID, account.Email, account.Roles)
	if err != nil {
		h.logger.Error("failed to issue game token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Account:     account,
	})
}

type challengeAuthRequestPayload struct {
	ChallengeID string `json:"challenge_id"`
}

type runSessionResponsePayload struct {
	AccessToken string               `json:"access_token"`
	ExpiresIn   int64                `json:"expires_in"`
	TokenType   string               `json:"token_type"`
	Snapshot    participant.Snapshot `json:"snapshot"`
}

// handleChallengeAuthentication exchanges a game token for a participant
// token bound to the caller's existing run. Re-entry after a device change
// or an expired participant token goes through here.
func (h *httpHandler) handleChallengeAuthentication(c *gin.Context) {
	var request challengeAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ChallengeID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	challengeID, err := challenge.NewID(request.ChallengeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	row, err := h.participants.GetByChallengeUser(c.Request.Context(), challengeID, userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	version, err := h.challenges.GetCurrent(c.Request.Context(), challengeID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	snapshot, err := h.participants.Get(c.Request.Context(), participant.ID(row.ParticipantID))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.respondWithRunSession(c, http.StatusOK, snapshot, userID, version)
}

func (h *httpHandler) respondWithRunSession(c *gin.Context, status int, snapshot participant.Snapshot, userID string, version challenge.Version) {
	token, expiresIn, err := h.tokens.IssueParticipantToken(
		snapshot.ParticipantID, userID, snapshot.ChallengeID, rolesFromContext(c), version.EndTime())
	if err != nil {
		h.logger.Error("failed to issue participant token",
			zap.String("participant_id", snapshot.ParticipantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, runSessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Snapshot:    snapshot,
	})
}
