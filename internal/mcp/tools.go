package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/internal/service"
	"github.com/hanging-protocol-server/internal/session"
)

// MatchInput holds the match_hanging_protocol arguments.
type MatchInput struct {
	SessionID             string            `json:"sessionId,omitempty" jsonschema:"viewer session to update; a new session is created when empty"`
	StudyInstanceUID      string            `json:"studyInstanceUID,omitempty" jsonschema:"active study to fetch from the metadata source when no studies are supplied"`
	Studies               []domain.Study    `json:"studies,omitempty" jsonschema:"studies supplied inline; the first one is the active study"`
	PriorStudies          []domain.Study    `json:"priorStudies,omitempty" jsonschema:"earlier studies of the same patient, newest first"`
	ProtocolID            string            `json:"protocolId,omitempty" jsonschema:"protocol to apply instead of matching"`
	StageID               string            `json:"stageId,omitempty" jsonschema:"stage to show when it is not disabled"`
	DisplaySetSelectorMap map[string]string `json:"displaySetSelectorMap,omitempty" jsonschema:"explicit display set per slot keyed activeStudyUID:selectorId:index"`
	MaxPriors             *int              `json:"maxPriors,omitempty" jsonschema:"number of priors to fetch; negative skips priors"`
}

// SessionInput names a viewer session.
type SessionInput struct {
	SessionID string `json:"sessionId" jsonschema:"viewer session returned by match_hanging_protocol"`
}

// SetProtocolInput holds the set_hanging_protocol arguments.
type SetProtocolInput struct {
	SessionID  string `json:"sessionId" jsonschema:"viewer session returned by match_hanging_protocol"`
	ProtocolID string `json:"protocolId" jsonschema:"protocol to apply"`
	StageID    string `json:"stageId,omitempty" jsonschema:"stage to show; the first enabled stage when empty"`
}

// ListProtocolsInput takes no arguments.
type ListProtocolsInput struct{}

// GetProtocolInput names a protocol.
type GetProtocolInput struct {
	ProtocolID string `json:"protocolId" jsonschema:"id of the protocol"`
}

// ValidateProtocolInput carries a protocol definition document.
type ValidateProtocolInput struct {
	Document string `json:"document" jsonschema:"protocol definition text"`
	Format   string `json:"format,omitempty" jsonschema:"json, yaml or toml; json when empty"`
}

// MatchOutput is the text payload of the session tools.
type MatchOutput struct {
	SessionID string              `json:"sessionId"`
	Result    *domain.MatchResult `json:"result"`
}

// ProtocolSummary is one entry of list_protocols.
type ProtocolSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	Locked      bool   `json:"locked"`
	Priority    int    `json:"priority"`
	Stages      int    `json:"stages"`
	Rules       int    `json:"rules"`
}

// ValidationOutput is the validate_protocol payload.
type ValidationOutput struct {
	Valid     bool                    `json:"valid"`
	Errors    domain.ValidationErrors `json:"errors,omitempty"`
	Protocols []*domain.Protocol      `json:"protocols"`
}

func (s *Server) handleMatch(ctx context.Context, _ *mcp.CallToolRequest, in MatchInput) (*mcp.CallToolResult, any, error) {
	req := domain.MatchRequest{
		Studies:               in.Studies,
		PriorStudies:          in.PriorStudies,
		ProtocolID:            in.ProtocolID,
		StageID:               in.StageID,
		DisplaySetSelectorMap: in.DisplaySetSelectorMap,
	}

	if len(req.Studies) == 0 {
		if in.StudyInstanceUID == "" {
			return errorResult(domain.ErrInvalidRequest, "Either studies or studyInstanceUID is required", nil)
		}
		if s.metadata == nil {
			return errorResult(domain.ErrInvalidRequest, "No metadata source configured; studies must be supplied", nil)
		}
		limit := s.opts.MaxPriors
		if in.MaxPriors != nil {
			limit = *in.MaxPriors
		}
		loaded, err := service.LoadStudies(ctx, s.metadata, in.StudyInstanceUID, limit, s.logger)
		if err != nil {
			if errors.Is(err, domain.ErrStudyNotFound) {
				return errorResult(domain.ErrInvalidRequest, "Study not found", err)
			}
			return errorResult(domain.ErrMetadataUnavailable, "Failed to fetch study", err)
		}
		req.Studies = loaded.Studies
		req.PriorStudies = loaded.PriorStudies
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := s.sessions.GetOrCreate(sessionID)

	sess.Lock()
	defer sess.Unlock()

	if sess.Result != nil {
		req.PreviousAssignment = sess.Result.Bindings
	}
	return s.commit(sess, req, s.engine.Match(&req))
}

func (s *Server) handleNextStage(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, any, error) {
	return s.withSession(in.SessionID, func(sess *session.Session) (*mcp.CallToolResult, any, error) {
		req := sess.Request
		return s.commit(sess, req, s.engine.NextStage(&req, sess.Result))
	})
}

func (s *Server) handlePreviousStage(ctx context.Context, _ *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, any, error) {
	return s.withSession(in.SessionID, func(sess *session.Session) (*mcp.CallToolResult, any, error) {
		req := sess.Request
		return s.commit(sess, req, s.engine.PreviousStage(&req, sess.Result))
	})
}

func (s *Server) handleSetProtocol(ctx context.Context, _ *mcp.CallToolRequest, in SetProtocolInput) (*mcp.CallToolResult, any, error) {
	if in.ProtocolID == "" {
		return errorResult(domain.ErrInvalidRequest, "protocolId is required", nil)
	}
	return s.withSession(in.SessionID, func(sess *session.Session) (*mcp.CallToolResult, any, error) {
		req := sess.Request
		result, err := s.engine.SetHangingProtocol(&req, in.ProtocolID, in.StageID, sess.Result)
		if err != nil {
			return errorResult(domain.CodeFor(err), "Failed to set hanging protocol", err)
		}
		return s.commit(sess, req, result)
	})
}

func (s *Server) handleListProtocols(ctx context.Context, _ *mcp.CallToolRequest, _ ListProtocolsInput) (*mcp.CallToolResult, any, error) {
	protocols := s.protocols.ListProtocols()
	summaries := make([]ProtocolSummary, len(protocols))
	for i, p := range protocols {
		summaries[i] = ProtocolSummary{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Version:     p.Version,
			Locked:      p.Locked,
			Priority:    p.Priority,
			Stages:      len(p.Stages),
			Rules:       p.RuleCount(),
		}
	}
	return jsonResult(map[string]any{"count": len(summaries), "protocols": summaries})
}

func (s *Server) handleGetProtocol(ctx context.Context, _ *mcp.CallToolRequest, in GetProtocolInput) (*mcp.CallToolResult, any, error) {
	p, err := s.protocols.GetProtocol(in.ProtocolID)
	if err != nil {
		return errorResult(domain.CodeFor(err), "Protocol not found", err)
	}
	return jsonResult(p)
}

func (s *Server) handleValidateProtocol(ctx context.Context, _ *mcp.CallToolRequest, in ValidateProtocolInput) (*mcp.CallToolResult, any, error) {
	format := protocolstore.Format(in.Format)
	if format == "" {
		format = protocolstore.FormatJSON
	}
	protocols, err := protocolstore.ParseProtocols([]byte(in.Document), format)
	if err != nil {
		return errorResult(domain.ErrInvalidRequest, "Invalid protocol document", err)
	}
	if len(protocols) == 0 {
		return errorResult(domain.ErrInvalidRequest, "Document defines no protocol", nil)
	}

	out := ValidationOutput{Protocols: protocols}
	for _, p := range protocols {
		p.Normalize(uuid.NewString)
		for _, problem := range domain.ValidationProblems(p.Validate()) {
			if len(protocols) > 1 {
				problem.Field = p.ID + "." + problem.Field
			}
			out.Errors = append(out.Errors, problem)
		}
	}
	out.Valid = len(out.Errors) == 0
	return jsonResult(out)
}

// withSession runs fn holding the session lock, or returns a not found
// tool error.
func (s *Server) withSession(id string, fn func(sess *session.Session) (*mcp.CallToolResult, any, error)) (*mcp.CallToolResult, any, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return errorResult(domain.ErrSessionNotFoundCode, "Session not found", domain.ErrSessionNotFound)
	}
	sess.Lock()
	defer sess.Unlock()
	if sess.Result == nil {
		return errorResult(domain.ErrSessionNotFoundCode, "Session not found", domain.ErrSessionNotFound)
	}
	return fn(sess)
}

// commit stores the pass on the session; callers hold the session lock.
func (s *Server) commit(sess *session.Session, req domain.MatchRequest, result *domain.MatchResult) (*mcp.CallToolResult, any, error) {
	sess.Commit(req, result)

	s.logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"protocol_id": result.ProtocolID,
		"stage_id":    result.StageID,
		"degraded":    result.Degraded,
	}).Info("Hung studies")

	return jsonResult(MatchOutput{SessionID: sess.ID, Result: result})
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports a failure to the model as a tool error rather than a
// protocol error.
func errorResult(code, message string, err error) (*mcp.CallToolResult, any, error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	data, marshalErr := json.Marshal(domain.NewEngineError(code, message, details, ""))
	if marshalErr != nil {
		return nil, nil, fmt.Errorf("failed to encode tool error: %w", marshalErr)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
