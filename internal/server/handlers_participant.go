package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/geo"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/participant"
	"github.com/TrailMarkLabs/wanderquest/backend/internal/proofcheck"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	proofImageFormField = "image"
	heartbeatInterval   = 25 * time.Second
)

func participantIDFromContext(c *gin.Context) participant.ID {
	return participant.ID(c.GetString(participantIDContextKey))
}

func waypointIndexFromPath(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("waypoint_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	return index, true
}

func (h *httpHandler) handleParticipantState(c *gin.Context) {
	snapshot, err := h.participants.Get(c.Request.Context(), participantIDFromContext(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handlePresentWaypoint(c *gin.Context) {
	index, ok := waypointIndexFromPath(c)
	if !ok {
		return
	}
	snapshot, err := h.participants.Present(c.Request.Context(), participantIDFromContext(c), index)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type coordinatePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *httpHandler) handleCheckIn(c *gin.Context) {
	index, ok := waypointIndexFromPath(c)
	if !ok {
		return
	}
	var request coordinatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.participants.CheckIn(c.Request.Context(), participantIDFromContext(c), index,
		geo.Coordinate{Latitude: request.Latitude, Longitude: request.Longitude})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	// A miss is an answer, not an error: same status, result carries the
	// distance.
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleProofUpload(c *gin.Context) {
	index, ok := waypointIndexFromPath(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile(proofImageFormField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_image"})
		return
	}
	if fileHeader.Size > proofcheck.MaxImageBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_too_large"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()

	participantID := participantIDFromContext(c)
	challengeID := c.GetString(challengeIDContextKey)
	imageReference, err := h.images.Save(challengeID, participantID.String(), index, fileHeader.Filename, file)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	receipt, err := h.participants.SubmitProof(c.Request.Context(), participantID, index, imageReference)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	// The verdict arrives asynchronously; the receipt is an acknowledgement.
	c.JSON(http.StatusAccepted, receipt)
}

func (h *httpHandler) handleProofStatus(c *gin.Context) {
	status, err := h.participants.ProofStatus(c.Request.Context(), participantIDFromContext(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleLocationPing(c *gin.Context) {
	var request coordinatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.participants.RecordLocation(c.Request.Context(), participantIDFromContext(c),
		geo.Coordinate{Latitude: request.Latitude, Longitude: request.Longitude})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleProgressStream serves committed transitions as server-sent events.
// The stream carries no backlog; clients resynchronize via /participant/state
// and then follow along.
func (h *httpHandler) handleProgressStream(c *gin.Context) {
	participantID := c.GetString(participantIDContextKey)
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), participantID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case update, open := <-stream:
			if !open {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				h.logger.Warn("failed to encode progress update",
					zap.String("participant_id", participantID), zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ProgressEventName, payload)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", heartbeatEventName)
			c.Writer.Flush()
		}
	}
}
