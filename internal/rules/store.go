package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Snapshot is an immutable view of the active rule set. Evaluations grab
// one pointer and never observe a half-updated set; writers build a whole
// new snapshot and swap it in.
type Snapshot struct {
	// Ordered holds active rules sorted CRITICAL first.
	Ordered []*CompiledRule
	byID    map[string]*CompiledRule
	builtAt time.Time
}

// Get returns the active compiled rule for id, or nil.
func (s *Snapshot) Get(id string) *CompiledRule {
	return s.byID[id]
}

// Len returns the number of active rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.Ordered) }

// Store owns the active rule-set snapshot and the write path to the
// repository. Reads are a single atomic pointer load; writes serialize on
// mu, persist, rebuild, and swap.
type Store struct {
	mu   sync.Mutex
	repo domain.Repository
	log  *slog.Logger
	snap atomic.Pointer[Snapshot]
}

// NewStore creates a rule store and loads the current active set from the
// repository.
func NewStore(ctx context.Context, repo domain.Repository, log *slog.Logger) (*Store, error) {
	s := &Store{repo: repo, log: log}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Reload rebuilds the snapshot from the repository's active rules. Rules
// that fail to compile are skipped with a logged error rather than
// blocking the rest of the set.
func (s *Store) Reload(ctx context.Context) error {
	active, err := s.repo.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}

	compiled := make([]*CompiledRule, 0, len(active))
	byID := make(map[string]*CompiledRule, len(active))
	for _, r := range active {
		cr, err := Compile(r)
		if err != nil {
			s.log.Error("skipping uncompilable rule", "rule_id", r.ID, "version", r.Version, "error", err)
			continue
		}
		compiled = append(compiled, cr)
		byID[r.ID] = cr
	}
	sortByPriority(compiled)

	s.snap.Store(&Snapshot{Ordered: compiled, byID: byID, builtAt: time.Now()})
	s.log.Info("rule set loaded", "rules", len(compiled))
	return nil
}

// Put validates, persists, and activates a rule. The repository assigns
// the next version; the new snapshot is visible to evaluations that start
// after Put returns. Returns the stored rule with its version filled in.
func (s *Store) Put(ctx context.Context, rule *domain.Rule) (*domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, err := Compile(rule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Active = true

	if err := s.repo.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	s.log.Info("rule activated", "rule_id", rule.ID, "version", rule.Version, "type", rule.Type)
	return rule, nil
}

// Deactivate removes a rule from the active set. Stored versions remain
// queryable for audit.
func (s *Store) Deactivate(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeactivateRule(ctx, ruleID); err != nil {
		return err
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.log.Info("rule deactivated", "rule_id", ruleID)
	return nil
}

// Get returns a stored rule by id; version <= 0 means current.
func (s *Store) Get(ctx context.Context, ruleID string, version int) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, ruleID, version)
}

// List returns stored rules, optionally only active ones.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*domain.Rule, error) {
	return s.repo.ListRules(ctx, activeOnly)
}
