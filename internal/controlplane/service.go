// Package controlplane provides the HTTP API and service layer for fnbox.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/fnbox/internal/audit"
	"github.com/fentz26/fnbox/internal/catalog"
	"github.com/fentz26/fnbox/internal/dispatch"
	"github.com/fentz26/fnbox/internal/models"
	"github.com/fentz26/fnbox/internal/observability"
	"github.com/fentz26/fnbox/internal/registry"
	"github.com/fentz26/fnbox/internal/scheduler"
	"github.com/fentz26/fnbox/internal/store"
	"github.com/rs/zerolog/log"
)

// Version is reported by /health. Overridden at build time.
var Version = "dev"

// recordTimeout bounds history and audit writes that outlive the request.
const recordTimeout = 5 * time.Second

// PoolStats reports worker pool usage.
type PoolStats interface {
	GetStats() scheduler.Stats
}

// Service provides the control plane business logic.
type Service struct {
	store      *store.Store
	pdr        *audit.PDRWriter
	catalog    *catalog.Catalog
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	pool       PoolStats
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, cat *catalog.Catalog, reg *registry.Registry, d *dispatch.Dispatcher, pool PoolStats) *Service {
	return &Service{
		store:      s,
		pdr:        pdr,
		catalog:    cat,
		registry:   reg,
		dispatcher: d,
		pool:       pool,
	}
}

// --- Catalog Operations ---

// ListFunctions returns all registered functions in registration order.
func (s *Service) ListFunctions() []models.FunctionDescriptor {
	return s.catalog.List()
}

// GetFunction returns one registered function.
func (s *Service) GetFunction(id string) (models.FunctionDescriptor, error) {
	d, err := s.catalog.Lookup(id)
	if errors.Is(err, catalog.ErrNotFound) {
		return d, fmt.Errorf("%w: %s", dispatch.ErrFunctionNotFound, id)
	}
	return d, err
}

// RegisterFunction installs a new function on behalf of actor.
func (s *Service) RegisterFunction(ctx context.Context, actor string, req registry.Request) (models.FunctionDescriptor, error) {
	desc, err := s.registry.Register(ctx, req)

	outcome := "success"
	details := ""
	if err != nil {
		outcome = "rejected"
		status, _ := registrationError(err)
		if status >= 500 {
			outcome = "failed"
			log.Error().Err(err).Str("function_id", req.ID).Msg("registration failed")
		}
		details = err.Error()
	}
	observability.RecordRegistration(outcome)

	// The archive itself is not hashed; the descriptor is what was decided on.
	if _, perr := s.pdr.Record(audit.ActionRegister, req.Descriptor(), outcome, req.ID, actor, details); perr != nil {
		log.Warn().Err(perr).Msg("failed to write audit record")
	}
	return desc, err
}

// Invoke runs a function on behalf of caller. inputs are keyed by input
// slot name.
func (s *Service) Invoke(ctx context.Context, caller, functionID string, inputs map[string]dispatch.Input) (*dispatch.Result, error) {
	if !s.catalog.Contains(functionID) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrFunctionNotFound, functionID)
	}

	filenames := inputFilenames(s.catalog, functionID, inputs)
	recCtx, cancel := recordContext(ctx)
	inv, err := s.store.CreateInvocation(recCtx, functionID, caller, filenames)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("function_id", functionID).Msg("failed to record invocation")
	}

	start := time.Now()
	res, runErr := s.dispatcher.Execute(ctx, functionID, inputs)
	outcome := invocationOutcome(res, runErr, time.Since(start))

	observability.RecordInvocation(functionID, string(outcome.Status), outcome.Duration)
	if inv != nil {
		recCtx, cancel := recordContext(ctx)
		if err := s.store.FinishInvocation(recCtx, inv.ID, outcome); err != nil {
			log.Error().Err(err).Str("invocation_id", inv.ID).Msg("failed to finish invocation record")
		}
		cancel()
	}
	if _, perr := s.pdr.Record(audit.ActionInvoke, filenames, string(outcome.Status), functionID, caller, outcome.Error); perr != nil {
		log.Warn().Err(perr).Msg("failed to write audit record")
	}

	return res, runErr
}

// recordContext detaches bookkeeping from request cancellation so that a
// canceled invocation is still recorded.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func inputFilenames(cat *catalog.Catalog, functionID string, inputs map[string]dispatch.Input) []string {
	d, err := cat.Lookup(functionID)
	if err != nil {
		return nil
	}
	names := make([]string, len(d.Inputs))
	for i, slot := range d.Inputs {
		names[i] = inputs[slot].Filename
	}
	return names
}

func invocationOutcome(res *dispatch.Result, err error, elapsed time.Duration) store.InvocationOutcome {
	out := store.InvocationOutcome{Duration: elapsed}
	if err == nil {
		out.Status = models.InvocationSucceeded
		out.ExitCode = res.ExitCode
		out.Stderr = res.Stderr
		return out
	}

	out.Error = err.Error()
	var missing *dispatch.MissingInputError
	var execErr *dispatch.ExecutionError
	var timeout *dispatch.TimeoutError
	var outMissing *dispatch.OutputMissingError
	switch {
	case errors.As(err, &execErr):
		out.Status = models.InvocationFailed
		out.ExitCode = execErr.ExitCode
		out.Stderr = execErr.Stderr
		out.Workspace = execErr.Workspace
	case errors.As(err, &timeout):
		out.Status = models.InvocationTimedOut
		out.ExitCode = -1
		out.Stderr = timeout.Stderr
		out.Workspace = timeout.Workspace
	case errors.As(err, &outMissing):
		out.Status = models.InvocationFailed
		out.Workspace = outMissing.Workspace
	case errors.As(err, &missing), errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		out.Status = models.InvocationRejected
	case errors.Is(err, context.Canceled):
		out.Status = models.InvocationCanceled
	default:
		out.Status = models.InvocationFailed
	}
	return out
}

// ListInvocations returns the invocation history of a function.
func (s *Service) ListInvocations(ctx context.Context, functionID string, limit int) ([]models.Invocation, error) {
	if !s.catalog.Contains(functionID) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrFunctionNotFound, functionID)
	}
	return s.store.ListInvocations(ctx, functionID, limit)
}

// GetInvocation returns one invocation record.
func (s *Service) GetInvocation(ctx context.Context, id string) (*models.Invocation, error) {
	return s.store.GetInvocation(ctx, id)
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK        bool            `json:"ok"`
	DB        string          `json:"db"`
	Version   string          `json:"version"`
	Time      string          `json:"time"`
	Functions int             `json:"functions"`
	Pool      scheduler.Stats `json:"pool"`

	Invocations map[models.InvocationStatus]int `json:"invocations,omitempty"`
}

// Health reports daemon health.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:        true,
		DB:        "ok",
		Version:   Version,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Functions: s.catalog.Len(),
	}
	if s.pool != nil {
		h.Pool = s.pool.GetStats()
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
		return h
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("health: count invocations")
		return h
	}
	h.Invocations = counts
	return h
}
