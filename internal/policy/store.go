// Package policy implements the policy store: lifecycle transitions,
// versioning, active-policy resolution and cached graph loading.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openutility/flume/internal/condition"
	"github.com/openutility/flume/internal/domain"
)

// DefaultGraphTTL bounds how long a resolved policy graph stays cached.
// Version bumps invalidate earlier, so this only caps staleness of the
// version index itself.
const DefaultGraphTTL = 10 * time.Minute

// Store coordinates policy writes, version history and graph reads.
type Store struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	logger   *slog.Logger
	graphTTL time.Duration
}

// NewStore creates a policy store. The cache and bus are optional; a nil
// cache disables graph caching and a nil bus disables lifecycle events.
func NewStore(repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		logger:   logger,
		graphTTL: DefaultGraphTTL,
	}
}

// SaveCategory persists a policy category.
func (s *Store) SaveCategory(ctx context.Context, tenantID string, cat *domain.PolicyCategory) error {
	if cat.ID == "" {
		cat.ID = uuid.New().String()
	}
	if cat.Name == "" {
		return fmt.Errorf("%w: category name is required", domain.ErrInvalidInput)
	}
	return s.repo.SaveCategory(ctx, tenantID, cat)
}

// GetCategory retrieves a policy category.
func (s *Store) GetCategory(ctx context.Context, tenantID string, catID string) (*domain.PolicyCategory, error) {
	return s.repo.GetCategory(ctx, tenantID, catID)
}

// CreatePolicy persists a new policy. New policies start as Draft with a
// Pending approval unless explicitly set.
func (s *Store) CreatePolicy(ctx context.Context, tenantID string, p *domain.Policy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: policy name is required", domain.ErrInvalidInput)
	}
	if p.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: effectiveFrom is required", domain.ErrInvalidInput)
	}
	if p.EffectiveTo != nil && !p.EffectiveTo.After(p.EffectiveFrom) {
		return fmt.Errorf("%w: effectiveTo must be after effectiveFrom", domain.ErrInvalidInput)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.StatusDraft
	}
	if p.ApprovalStatus == "" {
		p.ApprovalStatus = domain.ApprovalPending
	}
	p.Version = 1

	return s.repo.SavePolicy(ctx, tenantID, p)
}

// GetPolicy retrieves a policy by ID.
func (s *Store) GetPolicy(ctx context.Context, tenantID string, policyID string) (*domain.Policy, error) {
	return s.repo.GetPolicy(ctx, tenantID, policyID)
}

// ActivatePolicy transitions a policy to Active. Validity overlap against
// other Active policies in the same utility + category scope is rejected
// here, at write time, so reads never observe an ambiguous scope that the
// store itself created.
func (s *Store) ActivatePolicy(ctx context.Context, tenantID string, policyID string) error {
	p, err := s.repo.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return err
	}
	if p.Status == domain.StatusArchived {
		return fmt.Errorf("%w: archived policy %s cannot be activated", domain.ErrInvalidInput, policyID)
	}

	overlapping, err := s.repo.ListOverlappingPolicies(ctx, tenantID, p.UtilityTypeID, p.CategoryID, p.EffectiveFrom, p.EffectiveTo)
	if err != nil {
		return err
	}
	for _, other := range overlapping {
		if other.ID == p.ID {
			continue
		}
		if p.Overlaps(other) {
			return fmt.Errorf("%w: policy %s overlaps active policy %s", domain.ErrAmbiguousPolicy, policyID, other.ID)
		}
	}

	if err := s.repo.UpdatePolicyStatus(ctx, tenantID, policyID, domain.StatusActive); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, policyID)
	s.publish(ctx, tenantID, domain.TopicPolicyActivated, map[string]any{
		"policyId": policyID,
		"version":  p.Version,
	})

	s.logger.Info("policy activated",
		"tenant_id", tenantID,
		"policy_id", policyID,
		"version", p.Version,
	)
	return nil
}

// DeactivatePolicy transitions a policy to Inactive.
func (s *Store) DeactivatePolicy(ctx context.Context, tenantID string, policyID string) error {
	if err := s.repo.UpdatePolicyStatus(ctx, tenantID, policyID, domain.StatusInactive); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, policyID)
	return nil
}

// ActivePolicy resolves the single policy in effect for a utility +
// category at asOf. Exactly one must match: none is ErrPolicyNotFound,
// several is ErrAmbiguousPolicy.
func (s *Store) ActivePolicy(ctx context.Context, tenantID, utilityTypeID, categoryID string, asOf time.Time) (*domain.Policy, error) {
	policies, err := s.repo.ListActivePolicies(ctx, tenantID, utilityTypeID, categoryID, asOf)
	if err != nil {
		return nil, err
	}

	switch len(policies) {
	case 0:
		return nil, fmt.Errorf("%w: no active policy for utility %s category %s at %s",
			domain.ErrPolicyNotFound, utilityTypeID, categoryID, asOf.Format(time.RFC3339))
	case 1:
		return policies[0], nil
	default:
		return nil, fmt.Errorf("%w: %d active policies for utility %s category %s at %s",
			domain.ErrAmbiguousPolicy, len(policies), utilityTypeID, categoryID, asOf.Format(time.RFC3339))
	}
}

// CreateVersion snapshots the policy's current state into the append-only
// version history and bumps the live version. Returns the new version.
func (s *Store) CreateVersion(ctx context.Context, tenantID string, policyID, changedBy, reason string) (int64, error) {
	p, err := s.repo.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return 0, err
	}

	snapshot, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}

	version, err := s.repo.CreatePolicyVersion(ctx, tenantID, &domain.PolicyVersion{
		ID:           uuid.New().String(),
		PolicyID:     policyID,
		Snapshot:     snapshot,
		ChangedBy:    changedBy,
		ChangeReason: reason,
	})
	if err != nil {
		return 0, err
	}

	s.invalidateGraph(ctx, tenantID, policyID)
	s.publish(ctx, tenantID, domain.TopicPolicyVersioned, map[string]any{
		"policyId": policyID,
		"version":  version,
	})

	s.logger.Info("policy version created",
		"tenant_id", tenantID,
		"policy_id", policyID,
		"version", version,
		"changed_by", changedBy,
	)
	return version, nil
}

// ListVersions returns a policy's version history, newest first.
func (s *Store) ListVersions(ctx context.Context, tenantID string, policyID string) ([]*domain.PolicyVersion, error) {
	return s.repo.ListPolicyVersions(ctx, tenantID, policyID)
}

// SaveRuleGroup persists a rule group.
func (s *Store) SaveRuleGroup(ctx context.Context, tenantID string, g *domain.RuleGroup) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.PolicyID == "" {
		return fmt.Errorf("%w: rule group policyId is required", domain.ErrInvalidInput)
	}
	if g.LogicalOperator == "" {
		g.LogicalOperator = domain.OperatorAnd
	}
	if g.Status == "" {
		g.Status = domain.StatusActive
	}
	if err := s.repo.SaveRuleGroup(ctx, tenantID, g); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, g.PolicyID)
	return nil
}

// SaveRule validates and persists a rule. The condition document must
// parse; malformed conditions are rejected here rather than surfacing at
// evaluation time.
func (s *Store) SaveRule(ctx context.Context, tenantID string, r *domain.Rule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.PolicyID == "" {
		return fmt.Errorf("%w: rule policyId is required", domain.ErrInvalidInput)
	}
	if _, err := condition.Parse(r.Conditions); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	if err := s.repo.SaveRule(ctx, tenantID, r); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, r.PolicyID)
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	return s.repo.GetRule(ctx, tenantID, ruleID)
}

// SaveRuleException validates and persists a rule exception.
func (s *Store) SaveRuleException(ctx context.Context, tenantID string, ex *domain.RuleException) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.RuleID == "" {
		return fmt.Errorf("%w: exception ruleId is required", domain.ErrInvalidInput)
	}
	if _, err := condition.Parse(ex.Condition); err != nil {
		return fmt.Errorf("exception for rule %s: %w", ex.RuleID, err)
	}

	rule, err := s.repo.GetRule(ctx, tenantID, ex.RuleID)
	if err != nil {
		return err
	}
	if err := s.repo.SaveRuleException(ctx, tenantID, ex); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, rule.PolicyID)
	return nil
}

// SaveTariffPlan persists a tariff plan.
func (s *Store) SaveTariffPlan(ctx context.Context, tenantID string, plan *domain.TariffPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.PolicyID == "" {
		return fmt.Errorf("%w: tariff plan policyId is required", domain.ErrInvalidInput)
	}
	if err := s.repo.SaveTariffPlan(ctx, tenantID, plan); err != nil {
		return err
	}
	s.invalidateGraph(ctx, tenantID, plan.PolicyID)
	return nil
}

// SaveTariffComponent persists a tariff component.
func (s *Store) SaveTariffComponent(ctx context.Context, tenantID string, comp *domain.TariffComponent) error {
	if comp.ID == "" {
		comp.ID = uuid.New().String()
	}
	if comp.TariffPlanID == "" {
		return fmt.Errorf("%w: component tariffPlanId is required", domain.ErrInvalidInput)
	}
	return s.repo.SaveTariffComponent(ctx, tenantID, comp)
}

// Graph resolves a policy's full rule graph, consulting the cache keyed by
// (policy, version) before hitting the repository.
func (s *Store) Graph(ctx context.Context, tenantID string, policyID string) (*domain.PolicyGraph, error) {
	p, err := s.repo.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		g, err := s.cache.GetPolicyGraph(ctx, tenantID, policyID, p.Version)
		if err != nil {
			s.logger.Warn("policy graph cache read failed",
				"tenant_id", tenantID,
				"policy_id", policyID,
				"error", err,
			)
		} else if g != nil {
			return g, nil
		}
	}

	g, err := s.repo.LoadPolicyGraph(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetPolicyGraph(ctx, tenantID, policyID, p.Version, g, s.graphTTL); err != nil {
			s.logger.Warn("policy graph cache write failed",
				"tenant_id", tenantID,
				"policy_id", policyID,
				"error", err,
			)
		}
	}
	return g, nil
}

func (s *Store) invalidateGraph(ctx context.Context, tenantID, policyID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePolicyGraph(ctx, tenantID, policyID); err != nil {
		s.logger.Warn("policy graph invalidation failed",
			"tenant_id", tenantID,
			"policy_id", policyID,
			"error", err,
		)
	}
}

func (s *Store) publish(ctx context.Context, tenantID, topic string, event map[string]any) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(event)
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		s.logger.Warn("event publish failed",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}
