package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/audit"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/challenge"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/users"
	"github.com/gin-gonic/gin"
)

type challengeSummaryPayload struct {
	ChallengeID      string    `json:"challenge_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	PlannedStartTime time.Time `json:"planned_start_time"`
	DurationMinutes  int       `json:"duration_minutes"`
	WaypointCount    int       `json:"waypoint_count"`
	ModeratorUserID  string    `json:"moderator_user_id"`
}

type challengeVersionPayload struct {
	ChallengeID      string               `json:"challenge_id"`
	VersionID        string               `json:"version_id"`
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	PlannedStartTime time.Time            `json:"planned_start_time"`
	DurationMinutes  int                  `json:"duration_minutes"`
	ModeratorUserID  string               `json:"moderator_user_id"`
	ValidFrom        time.Time            `json:"valid_from"`
	ValidUntil       *time.Time           `json:"valid_until,omitempty"`
	WaypointCount    int                  `json:"waypoint_count"`
	Waypoints        []challenge.Waypoint `json:"waypoints,omitempty"`
}

func versionPayload(version challenge.Version, includeWaypoints bool) challengeVersionPayload {
	payload := challengeVersionPayload{
		ChallengeID:      version.ChallengeID.String(),
		VersionID:        version.VersionID.String(),
		Name:             version.Name,
		Description:      version.Description,
		PlannedStartTime: version.PlannedStartTime,
		DurationMinutes:  version.DurationMinutes,
		ModeratorUserID:  version.ModeratorUserID,
		ValidFrom:        version.ValidFrom,
		ValidUntil:       version.ValidUntil,
		WaypointCount:    version.WaypointCount(),
	}
	if includeWaypoints {
		payload.Waypoints = version.Waypoints
	}
	return payload
}

func (h *httpHandler) handleListChallenges(c *gin.Context) {
	summaries, err := h.challenges.List(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payloads := make([]challengeSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		payloads = append(payloads, challengeSummaryPayload{
			ChallengeID:      summary.ChallengeID.String(),
			Name:             summary.Name,
			Description:      summary.Description,
			PlannedStartTime: summary.PlannedStartTime,
			DurationMinutes:  summary.DurationMinutes,
			WaypointCount:    summary.WaypointCount,
			ModeratorUserID:  summary.ModeratorUserID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"challenges": payloads})
}

// handleGetChallenge returns the current version. Waypoints carry clues and
// proof subjects, so they are only included for the owning moderator and
// moderator-role holders; participants learn waypoints one at a time.
func (h *httpHandler) handleGetChallenge(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.challenges.GetCurrent(c.Request.Context(), challengeID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	includeWaypoints := version.ModeratorUserID == c.GetString(userIDContextKey) ||
		hasAnyRole(rolesFromContext(c), users.RoleChallengeModerator, users.RoleChallengeManager, users.RoleGameAdmin)
	c.JSON(http.StatusOK, versionPayload(version, includeWaypoints))
}

func (h *httpHandler) handleCreateChallenge(c *gin.Context) {
	var definition challenge.Definition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.challenges.Create(c.Request.Context(), definition, c.GetString(userIDContextKey))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, versionPayload(version, true))
}

func (h *httpHandler) handlePublishVersion(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var definition challenge.Definition
	if err := c.ShouldBindJSON(&definition); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	current, err := h.challenges.GetCurrent(c.Request.Context(), challengeID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if current.ModeratorUserID != userID && !hasAnyRole(rolesFromContext(c), users.RoleGameAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	version, err := h.challenges.PublishVersion(c.Request.Context(), challengeID, definition, userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionPayload(version, true))
}

func (h *httpHandler) handleVersionHistory(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	at, err := time.Parse(time.RFC3339, c.Query("at"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.challenges.GetVersionAt(c.Request.Context(), challengeID, at)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionPayload(version, true))
}

type inviteRequestPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var request inviteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.GetString(userIDContextKey)
	current, err := h.challenges.GetCurrent(c.Request.Context(), challengeID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if current.ModeratorUserID != userID && !hasAnyRole(rolesFromContext(c), users.RoleGameAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	account, err := h.users.GetByEmail(c.Request.Context(), request.Email)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if err := h.challenges.Invite(c.Request.Context(), challengeID, account.UserID, userID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startChallengeRequestPayload struct {
	Nickname string `json:"nickname"`
}

// handleStartChallenge creates the caller's run and binds a participant
// token to it. Joining is open to the owning moderator and invited users.
func (h *httpHandler) handleStartChallenge(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var request startChallengeRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	userID := c.GetString(userIDContextKey)
	version, err := h.challenges.GetCurrent(c.Request.Context(), challengeID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if version.ModeratorUserID != userID && !hasAnyRole(rolesFromContext(c), users.RoleGameAdmin) {
		invited, err := h.challenges.IsInvited(c.Request.Context(), challengeID, userID)
		if err != nil {
			h.respondServiceError(c, err)
			return
		}
		if !invited {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_invited"})
			return
		}
	}

	snapshot, err := h.participants.Join(c.Request.Context(), challengeID, userID, request.Nickname)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.respondWithRunSession(c, http.StatusCreated, snapshot, userID, version)
}

type auditEventPayload struct {
	EventID        int64           `json:"event_id"`
	ParticipantID  string          `json:"participant_id,omitempty"`
	ChallengeID    string          `json:"challenge_id"`
	ActorType      audit.ActorType `json:"actor_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	EventType      audit.EventType `json:"event_type"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Outcome        audit.Outcome   `json:"outcome"`
	OutcomePayload json.RawMessage `json:"outcome_payload,omitempty"`
	EventTime      time.Time       `json:"event_time"`
}

func (h *httpHandler) handleParticipantEvents(c *gin.Context) {
	challengeID, err := challenge.NewID(c.Param("challenge_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	participantID := strings.TrimSpace(c.Param("participant_id"))
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	events, err := h.auditor.ParticipantHistory(c.Request.Context(), participantID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if len(events) == 0 || events[0].ChallengeID != challengeID.String() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	payloads := make([]auditEventPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, auditEventPayload{
			EventID:        event.EventID,
			ParticipantID:  event.ParticipantID,
			ChallengeID:    event.ChallengeID,
			ActorType:      event.ActorType,
			ActorID:        event.ActorID,
			EventType:      event.EventType,
			Parameters:     json.RawMessage(event.Parameters),
			Outcome:        event.Outcome,
			OutcomePayload: json.RawMessage(event.OutcomePayload),
			EventTime:      event.EventTime,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": payloads})
}
