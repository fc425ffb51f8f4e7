package workflowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/kv"
	"wayfarer/internal/logging"
	"wayfarer/internal/services"
)

// ErrNotFound is returned when a workflow or session index entry is absent.
var ErrNotFound = fmt.Errorf("workflow state: %w", services.ErrNotFound)

const (
	workflowKeyPrefix = "workflow:"
	sessionKeyPrefix  = "session:"
	activeSetKey      = "workflows:active"

	// SupersededReason is recorded when a newer run replaces an active one in the same session.
	SupersededReason = "superseded by a newer workflow in the same session"
)

// Options tunes a Store.
type Options struct {
	KeyPrefix   string
	WorkflowTTL time.Duration
	SessionTTL  time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Store persists workflow records, the session index, and the active set on
// top of a kv.Store. Read-modify-write cycles are serialized per workflow id
// within this process only.
type Store struct {
	kv          kv.Store
	prefix      string
	workflowTTL time.Duration
	sessionTTL  time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	locks       keyedMutex
}

// New constructs a Store over the given backend.
func New(backend kv.Store, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{
		kv:          backend,
		prefix:      opts.KeyPrefix,
		workflowTTL: opts.WorkflowTTL,
		sessionTTL:  opts.SessionTTL,
		clock:       opts.Clock,
		logger:      logging.NewComponentLogger(opts.Logger, "workflowstate"),
		locks:       keyedMutex{locks: make(map[string]*refLock)},
	}
}

// NewFromConfig builds a Store using the [store] section of cfg.
func NewFromConfig(backend kv.Store, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) *Store {
	return New(backend, Options{
		KeyPrefix:   cfg.Store.KeyPrefix,
		WorkflowTTL: cfg.Store.WorkflowTTL(),
		SessionTTL:  cfg.Store.SessionTTL(),
		Clock:       clock,
		Logger:      logger,
	})
}

// Create persists a new pending workflow for the session and points the
// session index at it. A still-active earlier run in the same session is
// cancelled so at most one active workflow exists per session.
func (s *Store) Create(ctx context.Context, sessionID, requestID, requestType string, initial InitialData) (*State, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, services.Wrap(services.ErrValidation, "workflowstate", "create", "session id is required", nil)
	}
	id := strings.TrimSpace(initial.WorkflowID)
	if id == "" {
		id = uuid.NewString()
	}

	if prior, err := s.GetBySession(ctx, sessionID); err == nil && prior.Active() && prior.WorkflowID != id {
		if _, cancelErr := s.Cancel(ctx, prior.WorkflowID, SupersededReason); cancelErr != nil {
			logging.WarnWithContext(s.logger, "failed to cancel superseded workflow", "workflow_supersede_failed",
				logging.String(logging.FieldWorkflowID, prior.WorkflowID),
				logging.String(logging.FieldSessionID, sessionID),
				logging.Error(cancelErr),
			)
		} else {
			s.logger.Info("superseded active workflow",
				logging.String(logging.FieldWorkflowID, prior.WorkflowID),
				logging.String("replacement_id", id),
				logging.String(logging.FieldSessionID, sessionID),
			)
		}
	} else if err != nil && !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.load(ctx, id); err == nil {
		return nil, services.Wrap(services.ErrValidation, "workflowstate", "create", fmt.Sprintf("workflow %s already exists", id), nil)
	} else if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now().UTC()
	state := &State{
		WorkflowID:     id,
		SessionID:      sessionID,
		Status:         StatusPending,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Errors:         []ErrorEntry{},
		StartedAt:      now,
		UpdatedAt:      now,
		Metadata: Metadata{
			RequestID:   requestID,
			RequestType: requestType,
			Request:     initial.Request,
			Outputs:     map[string]json.RawMessage{},
			Extra:       initial.Extra,
		},
	}
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Debug("workflow created",
		logging.String(logging.FieldWorkflowID, id),
		logging.String(logging.FieldSessionID, sessionID),
		logging.String("request_type", requestType),
	)
	return state.Clone(), nil
}

// Get loads a workflow by id.
func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	return s.load(ctx, id)
}

// GetBySession resolves the most recent workflow for a session. A session
// whose index outlives the workflow record yields ErrNotFound.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*State, error) {
	raw, err := s.kv.Get(ctx, s.sessionKey(sessionID))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.load(ctx, string(raw))
}

// Update applies a partial change. It never creates a record and never moves
// a terminal workflow to another status.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*State, error) {
	state, _, err := s.mutate(ctx, id, func(st *State) bool {
		if patch.Status != nil && patch.Status.Valid() && !st.Status.Terminal() {
			st.Status = *patch.Status
		}
		if patch.Progress != nil {
			st.Progress = max(st.Progress, clampProgress(*patch.Progress))
		}
		if patch.CurrentStep != nil {
			st.CurrentStep = *patch.CurrentStep
		}
		st.CompletedSteps, _ = appendUnique(st.CompletedSteps, patch.CompletedSteps...)
		if len(patch.Outputs) > 0 {
			if st.Metadata.Outputs == nil {
				st.Metadata.Outputs = make(map[string]json.RawMessage, len(patch.Outputs))
			}
			for k, v := range patch.Outputs {
				st.Metadata.Outputs[k] = v
			}
		}
		if len(patch.Extra) > 0 {
			if st.Metadata.Extra == nil {
				st.Metadata.Extra = make(map[string]string, len(patch.Extra))
			}
			for k, v := range patch.Extra {
				st.Metadata.Extra[k] = v
			}
		}
		if patch.ResultRef != nil {
			st.Metadata.ResultRef = *patch.ResultRef
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateProgress raises progress (clamped to [0,100], never lowered) and
// optionally records the current step and newly completed steps. It returns
// false for terminal workflows.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, currentStep string, completedSteps ...string) (bool, error) {
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		st.Progress = max(st.Progress, clampProgress(progress))
		if currentStep != "" {
			st.CurrentStep = currentStep
		}
		st.CompletedSteps, _ = appendUnique(st.CompletedSteps, completedSteps...)
		return true
	})
	return applied, err
}

// Checkpoint records one finished stage: its output, the completed step and
// the resulting progress. It returns false, persisting nothing, when the
// workflow is already terminal.
func (s *Store) Checkpoint(ctx context.Context, id string, cp Checkpoint) (bool, error) {
	if strings.TrimSpace(cp.Step) == "" {
		return false, services.Wrap(services.ErrValidation, "workflowstate", "checkpoint", "step is required", nil)
	}
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		if st.Metadata.Outputs == nil {
			st.Metadata.Outputs = make(map[string]json.RawMessage, 1)
		}
		if _, exists := st.Metadata.Outputs[cp.Step]; !exists && len(cp.Output) > 0 {
			st.Metadata.Outputs[cp.Step] = cp.Output
		}
		st.CompletedSteps, _ = appendUnique(st.CompletedSteps, cp.Step)
		st.Progress = max(st.Progress, clampProgress(cp.Progress))
		st.CurrentStep = cp.NextStep
		return true
	})
	return applied, err
}

// AddError appends an error entry to a non-terminal workflow.
func (s *Store) AddError(ctx context.Context, id string, entry ErrorEntry) (bool, error) {
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = s.clock.Now().UTC()
		}
		st.Errors = append(st.Errors, entry)
		return true
	})
	return applied, err
}

// Complete marks the workflow completed at 100% and records the result pointer.
func (s *Store) Complete(ctx context.Context, id, resultRef string) (bool, error) {
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		st.Status = StatusCompleted
		st.Progress = 100
		st.CurrentStep = ""
		if resultRef != "" {
			st.Metadata.ResultRef = resultRef
		}
		return true
	})
	return applied, err
}

// Fail marks the workflow failed and appends the failure to its error list.
func (s *Store) Fail(ctx context.Context, id string, cause error, step string) (bool, error) {
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		st.Status = StatusFailed
		message := "workflow failed"
		if cause != nil {
			message = cause.Error()
		}
		st.Errors = append(st.Errors, ErrorEntry{
			Timestamp: s.clock.Now().UTC(),
			Message:   message,
			Step:      step,
			Kind:      string(services.Kind(cause)),
		})
		st.FailedSteps, _ = appendUnique(st.FailedSteps, step)
		return true
	})
	return applied, err
}

// Cancel marks the workflow cancelled. The owning run observes the status at
// its next checkpoint.
func (s *Store) Cancel(ctx context.Context, id, reason string) (bool, error) {
	_, applied, err := s.mutate(ctx, id, func(st *State) bool {
		if st.Status.Terminal() {
			return false
		}
		st.Status = StatusCancelled
		if reason != "" {
			if st.Metadata.Extra == nil {
				st.Metadata.Extra = make(map[string]string, 1)
			}
			st.Metadata.Extra["cancelReason"] = reason
		}
		return true
	})
	return applied, err
}

// CleanupExpired prunes active-set members whose records are gone or already
// terminal, then asks the backend to purge expired keys. It returns the total
// number of entries removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	members, err := s.kv.SetMembers(ctx, s.activeKey())
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range members {
		state, err := s.load(ctx, id)
		switch {
		case errors.Is(err, services.ErrNotFound):
		case err != nil:
			return pruned, err
		case state.Active():
			continue
		}
		if err := s.kv.SetRemove(ctx, s.activeKey(), id); err != nil {
			return pruned, err
		}
		pruned++
	}
	purged, err := s.kv.Purge(ctx)
	if err != nil {
		return pruned, err
	}
	if pruned > 0 || purged > 0 {
		s.logger.Info("workflow state cleanup",
			logging.String(logging.FieldEventType, "workflow_cleanup"),
			logging.Int("pruned_active", pruned),
			logging.Int("purged_keys", purged),
		)
	}
	return pruned + purged, nil
}

// ListActive returns every non-terminal workflow ordered by start time.
func (s *Store) ListActive(ctx context.Context) ([]*State, error) {
	members, err := s.kv.SetMembers(ctx, s.activeKey())
	if err != nil {
		return nil, err
	}
	out := make([]*State, 0, len(members))
	for _, id := range members {
		state, err := s.load(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if state.Active() {
			out = append(out, state)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Stats counts active workflows by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Active: len(active), ByStatus: make(map[Status]int, 2)}
	for _, state := range active {
		stats.ByStatus[state.Status]++
	}
	return stats, nil
}

// Reindex rebuilds the active set from a full prefix scan of workflow
// records. It is a recovery path for when the set and records disagree.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	keys, err := s.kv.KeysByPrefix(ctx, s.prefix+workflowKeyPrefix)
	if err != nil {
		return 0, err
	}
	activeIDs := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, s.prefix+workflowKeyPrefix)
		state, err := s.load(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if state.Active() {
			activeIDs[id] = struct{}{}
		}
	}
	members, err := s.kv.SetMembers(ctx, s.activeKey())
	if err != nil {
		return 0, err
	}
	for _, id := range members {
		if _, ok := activeIDs[id]; !ok {
			if err := s.kv.SetRemove(ctx, s.activeKey(), id); err != nil {
				return 0, err
			}
		}
	}
	ids := make([]string, 0, len(activeIDs))
	for id := range activeIDs {
		ids = append(ids, id)
	}
	if err := s.kv.SetAdd(ctx, s.activeKey(), ids...); err != nil {
		return 0, err
	}
	s.logger.Info("active workflow index rebuilt",
		logging.String(logging.FieldEventType, "workflow_reindex"),
		logging.Int("scanned", len(keys)),
		logging.Int("active", len(ids)),
	)
	return len(ids), nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*State) bool) (*State, bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	state, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !fn(state) {
		return state, false, nil
	}
	state.UpdatedAt = s.clock.Now().UTC()
	if err := s.save(ctx, state); err != nil {
		return nil, false, err
	}
	return state.Clone(), true, nil
}

func (s *Store) load(ctx context.Context, id string) (*State, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	raw, err := s.kv.Get(ctx, s.workflowKey(id))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "workflowstate", "decode", id, err)
	}
	if state.CompletedSteps == nil {
		state.CompletedSteps = []string{}
	}
	if state.FailedSteps == nil {
		state.FailedSteps = []string{}
	}
	if state.Errors == nil {
		state.Errors = []ErrorEntry{}
	}
	return &state, nil
}

func (s *Store) save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "workflowstate", "encode", state.WorkflowID, err)
	}
	if err := s.kv.SetWithTTL(ctx, s.workflowKey(state.WorkflowID), raw, s.workflowTTL); err != nil {
		return err
	}
	if err := s.kv.SetWithTTL(ctx, s.sessionKey(state.SessionID), []byte(state.WorkflowID), s.sessionTTL); err != nil {
		return err
	}
	if state.Status.Terminal() {
		return s.kv.SetRemove(ctx, s.activeKey(), state.WorkflowID)
	}
	return s.kv.SetAdd(ctx, s.activeKey(), state.WorkflowID)
}

func (s *Store) workflowKey(id string) string { return s.prefix + workflowKeyPrefix + id }

func (s *Store) sessionKey(sessionID string) string { return s.prefix + sessionKeyPrefix + sessionID }

func (s *Store) activeKey() string { return s.prefix + activeSetKey }

type refLock struct {
	mu   sync.Mutex
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
