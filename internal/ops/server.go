// Package ops exposes the operational HTTP surface of the ledger
// daemon: append and read endpoints, on-demand chain verification, the
// signer registry, threshold signing, health and metrics.
package ops

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chainseal/chainseal/internal/ledger"
	"github.com/chainseal/chainseal/internal/signer"
	"github.com/chainseal/chainseal/internal/threshold"
	"github.com/chainseal/chainseal/internal/verify"
)

// Server holds the handler dependencies.
type Server struct {
	store       ledger.Store
	appender    *ledger.Appender
	verifier    *verify.Verifier
	registry    *signer.Registry
	coordinator *threshold.Coordinator
	logger      *zap.Logger
}

// NewServer wires a Server. coordinator may be nil when threshold
// signing is not configured; its routes then return 404.
func NewServer(store ledger.Store, appender *ledger.Appender, verifier *verify.Verifier, registry *signer.Registry, coordinator *threshold.Coordinator, logger *zap.Logger) *Server {
	return &Server{
		store:       store,
		appender:    appender,
		verifier:    verifier,
		registry:    registry,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Router builds the Gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(PrometheusMiddleware())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", MetricsHandler())

	v1 := r.Group("/v1")
	{
		v1.POST("/streams/:stream/entries", s.AppendEntry)
		v1.GET("/streams/:stream/entries", s.ListStream)
		v1.GET("/streams/:stream/verify", s.VerifyStream)
		v1.GET("/entries/:id", s.GetEntry)
		v1.GET("/entries/:id/verify", s.VerifyEntry)
		v1.GET("/signers", s.ListSigners)
		if s.coordinator != nil {
			v1.POST("/threshold/sign", s.ThresholdSign)
			v1.POST("/threshold/verify", s.ThresholdVerify)
		}
	}
	return r
}

// Healthz handles GET /healthz — reports storage reachability.
func (s *Server) Healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.logger.Error("store ping", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "storage unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type appendRequest struct {
	EventType string `json:"eventType" binding:"required"`
	Payload   any    `json:"payload"`
}

// AppendEntry handles POST /v1/streams/:stream/entries — appends one
// signed entry. The Idempotency-Key header makes the request safe to
// retry.
func (s *Server) AppendEntry(c *gin.Context) {
	streamID := c.Param("stream")

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "eventType is required"})
		return
	}

	var opts []ledger.AppendOption
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		opts = append(opts, ledger.WithIdempotencyKey(key))
	}

	entry, err := s.appender.Append(c.Request.Context(), req.EventType, req.Payload, streamID, opts...)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateRequest) {
			appendsTotal.WithLabelValues("conflict").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "idempotency key already used with a different payload"})
			return
		}
		if errors.Is(err, signer.ErrSigningUnavailable) {
			appendsTotal.WithLabelValues("signing_unavailable").Inc()
			s.logger.Error("append refused, signing unavailable", zap.String("stream", streamID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing unavailable"})
			return
		}
		appendsTotal.WithLabelValues("error").Inc()
		s.logger.Error("append failed", zap.String("stream", streamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append entry"})
		return
	}

	appendsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusCreated, entry)
}

// GetEntry handles GET /v1/entries/:id.
func (s *Server) GetEntry(c *gin.Context) {
	entry, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		s.logger.Error("get entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query entry"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListStream handles GET /v1/streams/:stream/entries — returns the
// stream's entries in chain order.
func (s *Server) ListStream(c *gin.Context) {
	entries, err := s.store.ListStream(c.Request.Context(), c.Param("stream"))
	if err != nil {
		s.logger.Error("list stream", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query stream"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": c.Param("stream"), "entries": entries})
}

// VerifyStream handles GET /v1/streams/:stream/verify — walks the full
// chain and reports the first integrity failure, if any.
func (s *Server) VerifyStream(c *gin.Context) {
	streamID := c.Param("stream")
	err := s.verifier.VerifyStream(c.Request.Context(), s.store, streamID)
	if err == nil {
		verificationsTotal.WithLabelValues("valid").Inc()
		c.JSON(http.StatusOK, gin.H{"stream": streamID, "valid": true})
		return
	}

	var cerr *verify.ChainError
	if errors.As(err, &cerr) {
		verificationsTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("chain verification failed",
			zap.String("stream", streamID),
			zap.String("entry_id", cerr.EntryID),
			zap.String("check", string(cerr.Check)),
		)
		c.JSON(http.StatusOK, gin.H{
			"stream":   streamID,
			"valid":    false,
			"entryId":  cerr.EntryID,
			"check":    string(cerr.Check),
			"computed": cerr.Computed,
			"stored":   cerr.Stored,
			"detail":   cerr.Detail,
		})
		return
	}

	s.logger.Error("verify stream", zap.String("stream", streamID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify stream"})
}

// VerifyEntry handles GET /v1/entries/:id/verify — re-checks one
// entry's hash and signature without walking the chain.
func (s *Server) VerifyEntry(c *gin.Context) {
	entry, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		s.logger.Error("get entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query entry"})
		return
	}

	if err := s.verifier.VerifyEntry(entry); err != nil {
		var cerr *verify.ChainError
		if errors.As(err, &cerr) {
			c.JSON(http.StatusOK, gin.H{
				"entryId": entry.ID,
				"valid":   false,
				"check":   string(cerr.Check),
				"detail":  cerr.Detail,
			})
			return
		}
		s.logger.Error("verify entry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entryId": entry.ID, "valid": true})
}

// ListSigners handles GET /v1/signers — returns the registry contents.
func (s *Server) ListSigners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signers": s.registry.List()})
}

type thresholdSignRequest struct {
	DigestHex string `json:"digestHex" binding:"required"`
}

// ThresholdSign handles POST /v1/threshold/sign — runs one threshold
// signing round over the given digest. A quorum failure returns the
// partial proof with 502.
func (s *Server) ThresholdSign(c *gin.Context) {
	var req thresholdSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "digestHex is required"})
		return
	}

	proof, err := s.coordinator.Collect(c.Request.Context(), req.DigestHex)
	if err != nil {
		if errors.Is(err, threshold.ErrQuorumNotMet) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "signature quorum not met", "proof": proof})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, proof)
}

// ThresholdVerify handles POST /v1/threshold/verify — checks a proof
// against the signer registry.
func (s *Server) ThresholdVerify(c *gin.Context) {
	var proof threshold.Proof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proof"})
		return
	}

	res, err := threshold.Verify(&proof, s.registry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":           res.OK,
		"validSignatures": res.ValidCount,
		"threshold":       proof.Threshold,
		"errors":          res.Errors,
	})
}
