package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/core/escrow"
	"github.com/vietddude/escrowd/internal/health"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

// writeResult renders a saga outcome. A transaction returned together with
// an error (failed or refunded) is included so the caller sees its state.
func (s *Server) writeResult(c *gin.Context, okStatus int, tx *domain.Transaction, err error) {
	if err == nil {
		c.JSON(okStatus, gin.H{
			"transaction": tx,
			"description": escrow.StatusDescription(tx.Status),
		})
		return
	}
	s.writeError(c, err, tx)
}

func (s *Server) writeError(c *gin.Context, err error, tx *domain.Transaction) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{
		"error":   apperr.Kind(err),
		"message": err.Error(),
	}
	if tx != nil {
		body["transaction"] = tx
	}
	c.JSON(status, body)
}

// Entry points

func (s *Server) handleInitiate(c *gin.Context) {
	var req escrow.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	actor := c.GetHeader(ActorHeader)
	if req.SenderID == "" {
		req.SenderID = actor
	}
	if req.SenderID != actor {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only the sender can initiate"})
		return
	}

	tx, err := s.escrow.Initiate(c.Request.Context(), req)
	s.writeResult(c, http.StatusCreated, tx, err)
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.escrow.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	actor := c.GetHeader(ActorHeader)
	if actor != snap.Transaction.SenderID && actor != snap.Transaction.RecipientID {
		// Hide existence from non-parties.
		s.writeError(c, apperr.ErrNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction":          snap.Transaction,
		"escrow":               snap.Escrow,
		"estimated_settlement": snap.EstimatedSettlement,
		"description":          escrow.StatusDescription(snap.Transaction.Status),
	})
}

func (s *Server) handleRelease(c *gin.Context) {
	tx, err := s.escrow.ConfirmRelease(c.Request.Context(), c.Param("id"), c.GetHeader(ActorHeader))
	s.writeResult(c, http.StatusOK, tx, err)
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
			return
		}
	}
	tx, err := s.escrow.Cancel(c.Request.Context(), c.Param("id"), c.GetHeader(ActorHeader), req.Reason)
	s.writeResult(c, http.StatusOK, tx, err)
}

// Health

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.CheckHealth(c.Request.Context())
	status := http.StatusOK
	if report.SystemStatus == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": report.SystemStatus})
}

func (s *Server) handleHealthDetailed(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.CheckHealth(c.Request.Context()))
}

// Operator routes

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshot()})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	t := domain.MethodType(c.Param("type"))
	if !t.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": "unknown processor type " + string(t)})
		return
	}
	if !s.breakers.Reset(t) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no breaker for " + string(t)})
		return
	}
	s.logger.Warn("Circuit breaker reset by operator", "processor", t)
	c.JSON(http.StatusOK, gin.H{"processor": t, "state": "closed"})
}

func (s *Server) handleUnresolved(c *gin.Context) {
	list, err := s.escrow.ListUnresolved(c.Request.Context())
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unresolved": list, "count": len(list)})
}

func (s *Server) handleRetryReturn(c *gin.Context) {
	tx, err := s.escrow.RetryReturn(c.Request.Context(), c.Param("id"))
	s.writeResult(c, http.StatusOK, tx, err)
}

func (s *Server) handleResume(c *gin.Context) {
	tx, err := s.escrow.Resume(c.Request.Context(), c.Param("id"))
	s.writeResult(c, http.StatusOK, tx, err)
}
