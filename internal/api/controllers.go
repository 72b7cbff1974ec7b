package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"perp-agent/internal/engine"
	"perp-agent/internal/proposal"
)

type limitQuery struct {
	Limit int `form:"limit"`
}

func (q *limitQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

type rejectProposalRequest struct {
	Reason string `json:"reason"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getSystemStatus exposes runtime configuration for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backend":     s.Meta.Backend,
		"assets":      s.Meta.Assets,
		"interval":    s.Meta.Interval,
		"agent":       s.Meta.AgentKind,
		"instance_id": s.Meta.InstanceID,
		"version":     s.Meta.Version,
		"running":     s.Engine.IsRunning(),
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getEngineStatus returns the full engine state plus recent trade events.
func (s *Server) getEngineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":         s.Engine.State(),
		"recent_events": s.Engine.RecentEvents(),
	})
}

func (s *Server) startEngine(c *gin.Context) {
	if !s.Engine.Start() {
		c.JSON(http.StatusOK, gin.H{"status": "already_running"})
		return
	}
	s.log.Info("engine started via api", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) stopEngine(c *gin.Context) {
	if !s.Engine.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "already_stopped"})
		return
	}
	s.Engine.Stop()
	s.log.Info("engine stopped via api", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) getPositions(c *gin.Context) {
	st := s.Engine.State()
	c.JSON(http.StatusOK, gin.H{
		"positions":     st.Positions,
		"active_trades": st.ActiveTrades,
		"open_orders":   st.OpenOrders,
	})
}

func (s *Server) closePosition(c *gin.Context) {
	asset := strings.ToUpper(c.Param("asset"))
	closed, err := s.Engine.ClosePosition(c.Request.Context(), asset)
	switch {
	case errors.Is(err, engine.ErrUnknownAsset):
		respondError(c, http.StatusNotFound, "UNKNOWN_ASSET", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	case !closed:
		respondError(c, http.StatusNotFound, "NO_POSITION", "no open position for "+asset)
		return
	}
	s.log.Info("position closed via api", zap.String("asset", asset), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"status": "closed", "asset": asset})
}

func (s *Server) getPendingProposals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.PendingProposals())
}

func (s *Server) getProposalHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Proposals())
}

func (s *Server) approveProposal(c *gin.Context) {
	p, err := s.Engine.ApproveProposal(c.Param("id"))
	if err != nil {
		respondProposalError(c, err)
		return
	}
	s.log.Info("proposal approved via api", zap.String("id", p.ID), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusAccepted, p)
}

func (s *Server) rejectProposal(c *gin.Context) {
	var req rejectProposalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
			return
		}
	}
	p, err := s.Engine.RejectProposal(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondProposalError(c, err)
		return
	}
	s.log.Info("proposal rejected via api", zap.String("id", p.ID), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, p)
}

func respondProposalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		respondError(c, http.StatusNotFound, "PROPOSAL_NOT_FOUND", err.Error())
	case errors.Is(err, proposal.ErrNotPending):
		respondError(c, http.StatusBadRequest, "PROPOSAL_NOT_PENDING", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func (s *Server) getDiary(c *gin.Context) {
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(50, 500)
	entries, err := s.Engine.RecentDiary(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DIARY_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) getFills(c *gin.Context) {
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize(50, 500)
	fills, err := s.Engine.RecentFills(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, fills)
}
