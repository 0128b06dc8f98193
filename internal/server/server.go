package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"votepulse/internal/fanout"
	"votepulse/internal/model"
)

// Submitter runs one vote attempt through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission) (model.Receipt, error)
}

// StatsReader serves the snapshot view for a match.
type StatsReader interface {
	MatchStats(ctx context.Context, matchID string) (model.SnapshotEvent, error)
}

// Server exposes the vote API: submission, match statistics, and the live
// event stream.
type Server struct {
	router         *gin.Engine
	submitter      Submitter
	stats          StatsReader
	hub            *fanout.Hub
	allowedOrigins map[string]struct{}
	logger         *zap.Logger
}

func New(submitter Submitter, stats StatsReader, hub *fanout.Hub, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:         gin.New(),
		submitter:      submitter,
		stats:          stats,
		hub:            hub,
		allowedOrigins: origins,
		logger:         logger,
	}
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api")
	api.POST("/matches/:id/votes", s.submitVote)
	api.GET("/matches/:id/stats", s.matchStats)
	api.GET("/matches/:id/live", s.liveStream)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

type locationPayload struct {
	CellIndex   string   `json:"cell_index"`
	Resolution  int      `json:"resolution"`
	CountryCode string   `json:"country_code"`
	City        string   `json:"city"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Source      string   `json:"source"`
	Consent     bool     `json:"consent"`
}

type voteRequest struct {
	Team         string          `json:"team" binding:"required"`
	Fingerprint  string          `json:"fingerprint" binding:"required"`
	CaptchaToken string          `json:"captcha_token"`
	Nonce        string          `json:"nonce"`
	Location     locationPayload `json:"location"`
}

type voteResponse struct {
	VoteID   string            `json:"vote_id"`
	Cell     *model.CellTotals `json:"cell,omitempty"`
	Flagged  bool              `json:"flagged,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

func (s *Server) submitVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	team, err := model.ParseTeam(req.Team)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := model.SourceNetwork
	if req.Location.Source != "" {
		source, err = model.ParseLocationSource(req.Location.Source)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sub := model.Submission{
		MatchID:      c.Param("id"),
		Team:         team,
		Fingerprint:  req.Fingerprint,
		CaptchaToken: req.CaptchaToken,
		UserAgent:    c.Request.UserAgent(),
		RemoteAddr:   c.ClientIP(),
		Nonce:        req.Nonce,
		Location: model.Location{
			CellIndex:   req.Location.CellIndex,
			Resolution:  req.Location.Resolution,
			CountryCode: req.Location.CountryCode,
			City:        req.Location.City,
			Lat:         req.Location.Lat,
			Lng:         req.Location.Lng,
			Source:      source,
			Consent:     req.Location.Consent,
		},
	}

	receipt, err := s.submitter.Submit(c.Request.Context(), sub)
	if err != nil {
		s.renderRejection(c, err)
		return
	}

	resp := voteResponse{VoteID: receipt.VoteID, Flagged: receipt.Flagged, Degraded: receipt.Degraded}
	if !receipt.Degraded {
		cell := receipt.Cell
		resp.Cell = &cell
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) matchStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := s.stats.MatchStats(ctx, c.Param("id"))
	if err != nil {
		s.renderRejection(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) renderRejection(c *gin.Context, err error) {
	rej, ok := model.AsRejection(err)
	if !ok {
		s.logger.Error("unclassified submit failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": rej.Message, "code": string(rej.Code)}
	if rej.Retryable {
		body["retryable"] = true
	}
	c.JSON(statusFor(rej.Code), body)
}

func statusFor(code model.Code) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeMatchNotFound:
		return http.StatusNotFound
	case model.CodeMatchNotActive, model.CodeMatchOutsideWindow, model.CodeDuplicateVote:
		return http.StatusConflict
	case model.CodeVerificationRequired, model.CodeVerificationFailed, model.CodeFraudBlocked:
		return http.StatusForbidden
	case model.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case model.CodeTransientStoreFailure, model.CodeAggregationDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
