package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/questforge/internal/progression"
	"go.uber.org/zap"
)

type startProgressionRequest struct {
	StartXP  int `json:"start_xp"`
	XPGained int `json:"xp_gained"`
}

// StartProgression kicks off the level-up animation for a grant the
// caller has already applied. Progress is observable on the user's
// stream; the run is abandoned if a new one starts.
func (s *Server) StartProgression(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req startProgressionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.progression.Start(userID, req.StartXP, req.XPGained); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) AckLevelUp(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Acknowledging the dialog also advances the persisted notification
	// high-water mark so a reload does not replay dismissed level-ups.
	level, pending := s.progression.PendingLevel(userID)
	if err := s.progression.Ack(userID); err != nil {
		AbortWithError(c, err)
		return
	}
	if pending {
		if _, err := s.xpSvc.MarkLevelNotified(c.Request.Context(), userID, level); err != nil {
			s.log.Warn("failed to persist notified level",
				zap.String("user_id", userID.String()),
				zap.Int("level", level),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (s *Server) StreamProgression(c *gin.Context) {
	if s.progressHub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, backlog, err := s.progressHub.Subscribe(userID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeProgressionEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeProgressionEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeProgressionEvent(w io.Writer, event progression.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
