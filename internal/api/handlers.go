package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/internal/service"
	"github.com/hanging-protocol-server/internal/session"
)

// MatchBody is the POST /match payload. When Studies is empty and
// StudyInstanceUID is set, the study and its priors come from the metadata
// source.
type MatchBody struct {
	domain.MatchRequest
	SessionID        string `json:"sessionId,omitempty"`
	StudyInstanceUID string `json:"studyInstanceUID,omitempty"`
	MaxPriors        *int   `json:"maxPriors,omitempty"`
}

// MatchResponse carries a pass result and the sequence it was published at.
type MatchResponse struct {
	SessionID string              `json:"sessionId"`
	Sequence  uint64              `json:"sequence"`
	Result    *domain.MatchResult `json:"result"`
}

// SetProtocolBody is the POST /sessions/:id/protocol payload.
type SetProtocolBody struct {
	ProtocolID string `json:"protocolId" binding:"required"`
	StageID    string `json:"stageId,omitempty"`
}

func (s *Server) handleMatch(c *gin.Context) {
	var body MatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid match request", err)
		return
	}

	req := body.MatchRequest
	if len(req.Studies) == 0 && body.StudyInstanceUID != "" {
		if !s.loadStudies(c, &req, body) {
			return
		}
	}

	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := s.sessions.GetOrCreate(sessionID)

	sess.Lock()
	defer sess.Unlock()

	if len(req.PreviousAssignment) == 0 && sess.Result != nil {
		req.PreviousAssignment = sess.Result.Bindings
	}
	result := s.engine.Match(&req)
	s.commit(c, sess, req, result)
}

// loadStudies fills req from the metadata source. It writes the error
// response and returns false on failure.
func (s *Server) loadStudies(c *gin.Context, req *domain.MatchRequest, body MatchBody) bool {
	if s.metadata == nil {
		s.respondError(c, domain.ErrInvalidRequest, "No metadata source configured; studies must be supplied", nil)
		return false
	}

	limit := s.config.Engine.MaxPriors
	if body.MaxPriors != nil {
		limit = *body.MaxPriors
	}
	loaded, err := service.LoadStudies(c.Request.Context(), s.metadata, body.StudyInstanceUID, limit, s.logger)
	if err != nil {
		if errors.Is(err, domain.ErrStudyNotFound) {
			s.respondError(c, domain.ErrInvalidRequest, "Study not found", err)
		} else {
			s.respondError(c, domain.ErrMetadataUnavailable, "Failed to fetch study", err)
		}
		return false
	}
	req.Studies = loaded.Studies
	req.PriorStudies = loaded.PriorStudies
	return true
}

// commit stores the pass on the session and publishes it. Callers hold the
// session lock so passes of one session publish in order.
func (s *Server) commit(c *gin.Context, sess *session.Session, req domain.MatchRequest, result *domain.MatchResult) {
	sess.Commit(req, result)
	seq := s.hub.Publish(sess.ID, result)

	s.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"protocol_id": result.ProtocolID,
		"stage_id":    result.StageID,
		"sequence":    seq,
		"degraded":    result.Degraded,
	}).Info("Hung studies")

	c.JSON(http.StatusOK, MatchResponse{SessionID: sess.ID, Sequence: seq, Result: result})
}

// withSession runs fn holding the session lock, or responds not found.
func (s *Server) withSession(c *gin.Context, fn func(sess *session.Session)) {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		s.respondStoreError(c, "Session not found", domain.ErrSessionNotFound)
		return
	}
	sess.Lock()
	defer sess.Unlock()
	if sess.Result == nil {
		s.respondStoreError(c, "Session not found", domain.ErrSessionNotFound)
		return
	}
	fn(sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	s.withSession(c, func(sess *session.Session) {
		c.JSON(http.StatusOK, MatchResponse{SessionID: sess.ID, Sequence: s.latestSequence(sess.ID), Result: sess.Result})
	})
}

func (s *Server) latestSequence(sessionID string) uint64 {
	frame, ok := s.hub.Latest(sessionID)
	if !ok {
		return 0
	}
	return frame.Sequence
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	s.sessions.Remove(c.Param("id"))
	s.hub.Forget(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNextStage(c *gin.Context) {
	s.withSession(c, func(sess *session.Session) {
		req := sess.Request
		s.commit(c, sess, req, s.engine.NextStage(&req, sess.Result))
	})
}

func (s *Server) handlePreviousStage(c *gin.Context) {
	s.withSession(c, func(sess *session.Session) {
		req := sess.Request
		s.commit(c, sess, req, s.engine.PreviousStage(&req, sess.Result))
	})
}

func (s *Server) handleSetProtocol(c *gin.Context) {
	var body SetProtocolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid protocol selection", err)
		return
	}
	s.withSession(c, func(sess *session.Session) {
		req := sess.Request
		result, err := s.engine.SetHangingProtocol(&req, body.ProtocolID, body.StageID, sess.Result)
		if err != nil {
			s.respondStoreError(c, "Failed to set hanging protocol", err)
			return
		}
		s.commit(c, sess, req, result)
	})
}

func (s *Server) handleSubscribe(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, c.Param("id"))
}

func (s *Server) handleListProtocols(c *gin.Context) {
	protocols := s.protocols.ListProtocols()
	c.JSON(http.StatusOK, gin.H{"count": len(protocols), "protocols": protocols})
}

func (s *Server) handleGetProtocol(c *gin.Context) {
	p, err := s.protocols.GetProtocol(c.Param("id"))
	if err != nil {
		s.respondStoreError(c, "Protocol not found", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleCreateProtocol(c *gin.Context) {
	var p domain.Protocol
	if err := c.ShouldBindJSON(&p); err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid protocol document", err)
		return
	}
	created, err := s.protocols.AddProtocol(c.Request.Context(), &p)
	if err != nil {
		s.respondStoreError(c, "Failed to add protocol", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateProtocol(c *gin.Context) {
	var p domain.Protocol
	if err := c.ShouldBindJSON(&p); err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid protocol document", err)
		return
	}
	updated, err := s.protocols.UpdateProtocol(c.Request.Context(), c.Param("id"), &p)
	if err != nil {
		s.respondStoreError(c, "Failed to update protocol", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteProtocol(c *gin.Context) {
	if err := s.protocols.RemoveProtocol(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, "Failed to remove protocol", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleProtocolVersions(c *gin.Context) {
	versions, err := s.protocols.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, "Failed to list protocol versions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"protocolId": c.Param("id"), "versions": versions})
}

func (s *Server) handleValidateProtocol(c *gin.Context) {
	var p domain.Protocol
	if err := c.ShouldBindJSON(&p); err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid protocol document", err)
		return
	}
	p.Normalize(uuid.NewString)

	verrs := domain.ValidationProblems(p.Validate())
	c.JSON(http.StatusOK, gin.H{"valid": len(verrs) == 0, "errors": verrs, "protocol": p})
}

func (s *Server) handleImportProtocols(c *gin.Context) {
	format := protocolstore.Format(c.DefaultQuery("format", string(protocolstore.FormatJSON)))
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Failed to read request body", err)
		return
	}
	protocols, err := protocolstore.ParseProtocols(data, format)
	if err != nil {
		s.respondError(c, domain.ErrInvalidRequest, "Invalid protocol document", err)
		return
	}
	imported, skipped, err := s.protocols.Import(c.Request.Context(), protocols)
	if err != nil {
		s.respondStoreError(c, "Failed to import protocols", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped})
}

func (s *Server) handleExportProtocols(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", `attachment; filename="protocols.json"`)
	c.Status(http.StatusOK)
	if err := s.protocols.ExportJSON(c.Writer); err != nil {
		s.logger.WithError(err).Error("Failed to export protocols")
	}
}
