package protocolstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// Registry holds the protocols available for matching. Stored protocols
// are never mutated; every change replaces the entry with a fresh copy.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]*domain.Protocol
	order     []string
	backend   Backend
	logger    *logrus.Logger
	newID     func() string
	now       func() time.Time

	readyMu   sync.Mutex
	ready     bool
	callbacks []func()
}

// NewRegistry creates a registry seeded with the default protocol. A nil
// backend keeps protocols in memory only.
func NewRegistry(backend Backend, logger *logrus.Logger) *Registry {
	r := &Registry{
		protocols: make(map[string]*domain.Protocol),
		backend:   backend,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	def := domain.NewDefaultProtocol()
	r.protocols[def.ID] = def
	r.order = append(r.order, def.ID)
	return r
}

// Load registers every protocol held by the backend, then marks the
// registry ready. Invalid stored protocols are skipped.
func (r *Registry) Load(ctx context.Context) error {
	if r.backend != nil {
		stored, err := r.backend.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load protocols: %w", err)
		}

		r.mu.Lock()
		for _, p := range stored {
			if p.IsDefault() {
				continue
			}
			p.Normalize(r.newID)
			if err := p.Validate(); err != nil {
				r.logger.WithError(err).WithField("protocol_id", p.ID).Warn("Skipping invalid stored protocol")
				continue
			}
			r.put(p)
		}
		r.mu.Unlock()

		r.logger.WithField("count", len(stored)).Info("Loaded protocols from backend")
	}

	r.markReady()
	return nil
}

// OnReady registers a callback run once the registry has loaded. It runs
// immediately when the registry is already ready.
func (r *Registry) OnReady(callback func()) {
	r.readyMu.Lock()
	if !r.ready {
		r.callbacks = append(r.callbacks, callback)
		r.readyMu.Unlock()
		return
	}
	r.readyMu.Unlock()
	callback()
}

func (r *Registry) markReady() {
	r.readyMu.Lock()
	if r.ready {
		r.readyMu.Unlock()
		return
	}
	r.ready = true
	callbacks := r.callbacks
	r.callbacks = nil
	r.readyMu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// GetProtocol returns the registered protocol with the given id. The
// result is shared with the registry and every matching pass; it must be
// treated as read-only. Later updates replace the entry and never modify
// a protocol already handed out.
func (r *Registry) GetProtocol(id string) (*domain.Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProtocolNotFound, id)
	}
	return p, nil
}

// ListProtocols returns protocols in registration order. Like GetProtocol,
// the protocols are shared and read-only.
func (r *Registry) ListProtocols() []*domain.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Protocol, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.protocols[id])
	}
	return out
}

// DefaultProtocol returns the reserved fallback protocol.
func (r *Registry) DefaultProtocol() *domain.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocols[domain.DefaultProtocolID]
}

// AddProtocol validates and registers a new protocol as version 1. It
// returns a private copy of what was stored.
func (r *Registry) AddProtocol(ctx context.Context, p *domain.Protocol) (*domain.Protocol, error) {
	next, err := r.prepare(p)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.protocols[next.ID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateProtocol, next.ID)
	}

	now := r.now().UTC()
	next.Version = 1
	next.CreatedDate = now
	next.ModifiedDate = now

	if err := r.persist(ctx, next); err != nil {
		return nil, err
	}
	r.put(next)

	r.logger.WithFields(logrus.Fields{
		"protocol_id": next.ID,
		"stages":      len(next.Stages),
	}).Info("Registered protocol")
	return next.Clone()
}

// UpdateProtocol replaces an unlocked protocol with a new version. It
// returns a private copy of the new version.
func (r *Registry) UpdateProtocol(ctx context.Context, id string, p *domain.Protocol) (*domain.Protocol, error) {
	if p == nil {
		return nil, domain.NewValidationError("protocol", "protocol is required", nil)
	}
	submitted := *p
	submitted.ID = id
	next, err := r.prepare(&submitted)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProtocolNotFound, id)
	}
	if current.Locked {
		return nil, fmt.Errorf("%w: %s", domain.ErrProtocolLocked, id)
	}

	next.Version = current.Version + 1
	next.CreatedDate = current.CreatedDate
	next.ModifiedDate = r.now().UTC()

	if err := r.persist(ctx, next); err != nil {
		return nil, err
	}
	r.protocols[id] = next

	r.logger.WithFields(logrus.Fields{
		"protocol_id": id,
		"version":     next.Version,
	}).Info("Updated protocol")
	return next.Clone()
}

// RemoveProtocol unregisters a protocol and drops its history.
func (r *Registry) RemoveProtocol(ctx context.Context, id string) error {
	if id == domain.DefaultProtocolID {
		return domain.ErrDefaultProtocol
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.protocols[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProtocolNotFound, id)
	}
	if current.Locked {
		return fmt.Errorf("%w: %s", domain.ErrProtocolLocked, id)
	}

	if r.backend != nil {
		if err := r.backend.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete protocol %s: %w", id, err)
		}
	}

	delete(r.protocols, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.WithField("protocol_id", id).Info("Removed protocol")
	return nil
}

// Versions lists the stored revisions of a protocol. Without a backend
// only the current revision is known.
func (r *Registry) Versions(ctx context.Context, id string) ([]Version, error) {
	current, err := r.GetProtocol(id)
	if err != nil {
		return nil, err
	}
	if r.backend == nil || current.IsDefault() {
		return []Version{{ProtocolID: id, Version: current.Version, Protocol: current, CreatedAt: current.ModifiedDate}}, nil
	}
	return r.backend.Versions(ctx, id)
}

// Import registers protocols, skipping ids that already exist.
func (r *Registry) Import(ctx context.Context, protocols []*domain.Protocol) (imported int, skipped int, err error) {
	for _, p := range protocols {
		if _, err := r.GetProtocol(p.ID); err == nil {
			skipped++
			continue
		}
		if _, err := r.AddProtocol(ctx, p); err != nil {
			return imported, skipped, fmt.Errorf("failed to import protocol %s: %w", p.ID, err)
		}
		imported++
	}
	return imported, skipped, nil
}

// ExportJSON writes every registered protocol except the default.
func (r *Registry) ExportJSON(writer io.Writer) error {
	var protocols []*domain.Protocol
	for _, p := range r.ListProtocols() {
		if !p.IsDefault() {
			protocols = append(protocols, p)
		}
	}

	export := &Export{
		Version:    ExportFormatVersion,
		ExportedAt: r.now().UTC(),
		Count:      len(protocols),
		Protocols:  protocols,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// ImportJSON imports protocols from an export document or any JSON
// protocol file.
func (r *Registry) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read JSON: %w", err)
	}
	protocols, err := ParseProtocols(data, FormatJSON)
	if err != nil {
		return 0, 0, err
	}
	return r.Import(ctx, protocols)
}

// prepare returns a normalized and validated private copy of p.
func (r *Registry) prepare(p *domain.Protocol) (*domain.Protocol, error) {
	if p == nil {
		return nil, domain.NewValidationError("protocol", "protocol is required", nil)
	}
	next, err := p.Clone()
	if err != nil {
		return nil, err
	}
	next.Normalize(r.newID)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *Registry) persist(ctx context.Context, p *domain.Protocol) error {
	if r.backend == nil {
		return nil
	}
	if err := r.backend.Save(ctx, p); err != nil {
		return fmt.Errorf("failed to persist protocol %s: %w", p.ID, err)
	}
	return nil
}

// put registers p; callers hold mu.
func (r *Registry) put(p *domain.Protocol) {
	if _, exists := r.protocols[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.protocols[p.ID] = p
}

// ImportPath imports the definition files at path, a file or a directory.
func (r *Registry) ImportPath(ctx context.Context, path string) (imported int, skipped int, err error) {
	protocols, err := LoadPath(path)
	if err != nil {
		return 0, 0, err
	}
	imported, skipped, err = r.Import(ctx, protocols)
	if err != nil {
		return imported, skipped, err
	}
	r.logger.WithFields(logrus.Fields{
		"path":     path,
		"imported": imported,
		"skipped":  skipped,
	}).Info("Imported protocol definitions")
	return imported, skipped, nil
}
