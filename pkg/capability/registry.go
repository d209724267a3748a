// Package capability implements the FQDN-addressable capability registry,
// the code + dependency store behind it, and the permission-set escalation
// rules shared with the sandbox.
package capability

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pml-dev/gateway/pkg/models"
)

// RecordStore is the persistence port for capability records. Implemented by
// storage.CapabilityStore.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (models.CapabilityRecord, bool, error)
	FindByFQDN(ctx context.Context, fqdn models.FQDN) (models.CapabilityRecord, bool, error)
	FindByName(ctx context.Context, namespace, action string, scope models.Scope) ([]models.CapabilityRecord, error)
	ListByScope(ctx context.Context, scope models.Scope, opts ListOptions) ([]models.CapabilityRecord, int, error)
	InsertRecord(ctx context.Context, rec models.CapabilityRecord) error
	UpdateRecord(ctx context.Context, rec models.CapabilityRecord) error
	DeleteRecord(ctx context.Context, id string) error
}

// ListOptions page and order registry listings.
type ListOptions struct {
	Limit          int
	Offset         int
	MinSuccessRate float64
	// Sort is one of usage, success_rate, created_at (default).
	Sort string
}

// CreateRequest carries the inputs of a capability registration.
type CreateRequest struct {
	FQDN                 models.FQDN
	WorkflowPatternID    string
	Visibility           models.CapabilityVisibility
	Routing              models.CapabilityRouting
	PermissionSet        models.PermissionSet
	PermissionSource     models.PermissionSource
	PermissionConfidence float64
}

// Registry resolves, creates and maintains capability records.
type Registry struct {
	records RecordStore
	events  Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// Publisher is the slice of the event bus the registry emits on.
type Publisher interface {
	Emit(event models.Event)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the diagnostics logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryClock overrides the time source (tests).
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over the given record store. events may be
// nil (no lifecycle events).
func NewRegistry(records RecordStore, events Publisher, opts ...RegistryOption) *Registry {
	r := &Registry{
		records: records,
		events:  events,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a capability. Registration is idempotent on the FQDN:
// re-creating with identical components updates the existing record in place
// and increments its version, keeping the id stable.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (models.CapabilityRecord, error) {
	if err := validateFQDN(req.FQDN); err != nil {
		return models.CapabilityRecord{}, err
	}
	if req.PermissionSet == "" {
		req.PermissionSet = models.PermissionMinimal
	}
	if !models.ValidPermissionSet(req.PermissionSet) {
		return models.CapabilityRecord{}, models.NewError(models.KindValidation,
			"unknown permission set %q", req.PermissionSet)
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	if req.Routing == "" {
		req.Routing = models.RoutingLocal
	}
	if req.PermissionSource == "" {
		req.PermissionSource = models.PermissionSourceManual
	}

	existing, found, err := r.records.FindByFQDN(ctx, req.FQDN)
	if err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err,
			"look up capability %s", req.FQDN)
	}

	now := r.now().UTC()
	if found {
		existing.WorkflowPatternID = req.WorkflowPatternID
		existing.Visibility = req.Visibility
		existing.Routing = req.Routing
		existing.PermissionSet = req.PermissionSet
		existing.PermissionSource = req.PermissionSource
		existing.PermissionConfidence = req.PermissionConfidence
		existing.Version++
		existing.UpdatedAt = now
		if err := r.records.UpdateRecord(ctx, existing); err != nil {
			return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err,
				"update capability %s", existing.ID)
		}
		r.logger.Info("Capability re-registered",
			"capability_id", existing.ID, "fqdn", existing.FQDN.String(), "version", existing.Version)
		r.emit(models.EventCapabilityZoneUpdated, existing)
		return existing, nil
	}

	rec := models.CapabilityRecord{
		ID:                   uuid.NewString(),
		FQDN:                 req.FQDN,
		WorkflowPatternID:    req.WorkflowPatternID,
		Visibility:           req.Visibility,
		Routing:              req.Routing,
		Version:              1,
		PermissionSet:        req.PermissionSet,
		PermissionSource:     req.PermissionSource,
		PermissionConfidence: req.PermissionConfidence,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := r.records.InsertRecord(ctx, rec); err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err,
			"insert capability %s", rec.FQDN)
	}
	r.logger.Info("Capability registered",
		"capability_id", rec.ID, "fqdn", rec.FQDN.String())
	r.emit(models.EventCapabilityZoneCreated, rec)
	return rec, nil
}

// Get returns a capability by id.
func (r *Registry) Get(ctx context.Context, id string) (models.CapabilityRecord, error) {
	rec, found, err := r.records.GetRecord(ctx, id)
	if err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "get capability %s", id)
	}
	if !found {
		return models.CapabilityRecord{}, models.NewError(models.KindNotFound, "capability %s not found", id)
	}
	return rec, nil
}

// GetByFQDN returns a capability by its exact FQDN components.
func (r *Registry) GetByFQDN(ctx context.Context, fqdn models.FQDN) (models.CapabilityRecord, error) {
	rec, found, err := r.records.FindByFQDN(ctx, fqdn)
	if err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "get capability %s", fqdn)
	}
	if !found {
		return models.CapabilityRecord{}, models.NewError(models.KindNotFound, "capability %s not found", fqdn)
	}
	return rec, nil
}

// Resolve maps a bare capability name onto a record. Accepted forms are
// "namespace:action" and plain "action". Same-scope records win; otherwise a
// public record from any scope is returned.
func (r *Registry) Resolve(ctx context.Context, name string, scope models.Scope) (models.CapabilityRecord, error) {
	if name == "" {
		return models.CapabilityRecord{}, models.NewError(models.KindValidation, "empty capability name")
	}
	namespace, action, ok := strings.Cut(name, ":")
	if !ok {
		namespace, action = "", name
	}

	candidates, err := r.records.FindByName(ctx, namespace, action, scope)
	if err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err, "resolve capability %q", name)
	}

	var publicFallback *models.CapabilityRecord
	for i := range candidates {
		c := candidates[i]
		if c.FQDN.Org == scope.Org && c.FQDN.Project == scope.Project {
			return c, nil
		}
		if c.Visibility == models.VisibilityPublic && publicFallback == nil {
			publicFallback = &c
		}
	}
	if publicFallback != nil {
		return *publicFallback, nil
	}
	return models.CapabilityRecord{}, models.NewError(models.KindNotFound,
		"capability %q not found in scope %s/%s", name, scope.Org, scope.Project)
}

// List returns the capabilities of a scope plus the unpaged total.
func (r *Registry) List(ctx context.Context, scope models.Scope, opts ListOptions) ([]models.CapabilityRecord, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.MinSuccessRate < 0 || opts.MinSuccessRate > 1 {
		return nil, 0, models.NewError(models.KindValidation,
			"min_success_rate %v out of range [0,1]", opts.MinSuccessRate)
	}
	recs, total, err := r.records.ListByScope(ctx, scope, opts)
	if err != nil {
		return nil, 0, models.WrapError(models.KindInternal, err, "list capabilities")
	}
	return recs, total, nil
}

// RecordUsage folds one call outcome into a capability's counters.
func (r *Registry) RecordUsage(ctx context.Context, id string, success bool, latencyMs int64) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.UsageCount++
	if success {
		rec.SuccessCount++
	}
	rec.TotalLatencyMs += latencyMs
	rec.UpdatedAt = r.now().UTC()
	if err := r.records.UpdateRecord(ctx, rec); err != nil {
		return models.WrapError(models.KindInternal, err, "record usage of %s", id)
	}
	return nil
}

// UpdatePermissionSet escalates a capability's permission set. Transitions
// outside the escalation table fail validation and leave the record as is.
func (r *Registry) UpdatePermissionSet(ctx context.Context, id string, to models.PermissionSet) (models.CapabilityRecord, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return models.CapabilityRecord{}, err
	}
	if err := ValidateEscalation(rec.PermissionSet, to); err != nil {
		return models.CapabilityRecord{}, err
	}
	rec.PermissionSet = to
	rec.PermissionSource = models.PermissionSourceManual
	rec.UpdatedAt = r.now().UTC()
	if err := r.records.UpdateRecord(ctx, rec); err != nil {
		return models.CapabilityRecord{}, models.WrapError(models.KindInternal, err,
			"update permission set of %s", id)
	}
	r.logger.Info("Capability permission set escalated",
		"capability_id", id, "permission_set", string(to))
	return rec, nil
}

// Delete removes a capability record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.records.DeleteRecord(ctx, id); err != nil {
		return models.WrapError(models.KindInternal, err, "delete capability %s", id)
	}
	r.logger.Info("Capability deleted", "capability_id", id)
	return nil
}

func (r *Registry) emit(eventType string, rec models.CapabilityRecord) {
	if r.events == nil {
		return
	}
	r.events.Emit(models.Event{
		Type:   eventType,
		Source: "capability-registry",
		Payload: map[string]any{
			"capability_id": rec.ID,
			"fqdn":          rec.FQDN.String(),
			"name":          rec.FQDN.DisplayName(),
			"version":       rec.Version,
		},
	})
}

func validateFQDN(f models.FQDN) error {
	switch {
	case f.Org == "":
		return models.NewError(models.KindValidation, "fqdn org is required")
	case f.Project == "":
		return models.NewError(models.KindValidation, "fqdn project is required")
	case f.Namespace == "":
		return models.NewError(models.KindValidation, "fqdn namespace is required")
	case f.Action == "":
		return models.NewError(models.KindValidation, "fqdn action is required")
	case len(f.Hash) != 4:
		return models.NewError(models.KindValidation, "fqdn hash must be 4 chars, got %q", f.Hash)
	}
	return nil
}
