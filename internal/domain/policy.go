// Package domain defines the core interfaces and types for Flume.
package domain

import (
	"encoding/json"
	"time"
)

// PolicyStatus is the lifecycle state of a policy or rule.
type PolicyStatus string

const (
	StatusDraft    PolicyStatus = "Draft"
	StatusActive   PolicyStatus = "Active"
	StatusInactive PolicyStatus = "Inactive"
	StatusArchived PolicyStatus = "Archived"
)

// ApprovalStatus tracks the administrative approval of a policy.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// PolicyCategory groups policies under an owning utility type.
// Immutable once referenced by a policy.
type PolicyCategory struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId,omitempty"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	UtilityTypeID string    `json:"utilityTypeId,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// Policy is a versioned, time-bounded bundle of rule groups governing
// billing and eligibility for a utility + category.
type Policy struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	ExternalID  string `json:"externalId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Version is a monotonic integer per policy identity. Incremented only
	// through PolicyStore.CreatePolicyVersion.
	Version int64 `json:"version"`

	Status         PolicyStatus   `json:"status"`
	ApprovalStatus ApprovalStatus `json:"approvalStatus"`

	// Validity is the half-open interval [EffectiveFrom, EffectiveTo).
	// A nil EffectiveTo means open-ended.
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`

	CategoryID    string `json:"categoryId,omitempty"`
	UtilityTypeID string `json:"utilityTypeId,omitempty"`

	CreatedBy  string         `json:"createdBy,omitempty"`
	ApprovedBy string         `json:"approvedBy,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// InEffect reports whether asOf falls inside the policy's validity interval.
func (p *Policy) InEffect(asOf time.Time) bool {
	if asOf.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || asOf.Before(*p.EffectiveTo)
}

// Overlaps reports whether two half-open validity intervals intersect.
func (p *Policy) Overlaps(other *Policy) bool {
	if p.EffectiveTo != nil && !p.EffectiveTo.After(other.EffectiveFrom) {
		return false
	}
	if other.EffectiveTo != nil && !other.EffectiveTo.After(p.EffectiveFrom) {
		return false
	}
	return true
}

// PolicyVersion is an immutable snapshot of a policy at a version.
// Append-only; (PolicyID, Version) is unique.
type PolicyVersion struct {
	ID           string          `json:"id"`
	PolicyID     string          `json:"policyId"`
	Version      int64           `json:"version"`
	Snapshot     json.RawMessage `json:"snapshot"`
	ChangedBy    string          `json:"changedBy"`
	ChangeReason string          `json:"changeReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt,omitempty"`
}

// LogicalOperator combines child rule outcomes into a group outcome.
type LogicalOperator string

const (
	OperatorAnd LogicalOperator = "AND"
	OperatorOr  LogicalOperator = "OR"
)

// RuleGroup is an AND/OR-combined set of sibling rules evaluated together.
type RuleGroup struct {
	ID              string          `json:"id"`
	PolicyID        string          `json:"policyId"`
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	EvaluationOrder int             `json:"evaluationOrder"`
	LogicalOperator LogicalOperator `json:"logicalOperator"`
	Status          PolicyStatus    `json:"status"`
	CreatedAt       time.Time       `json:"createdAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt,omitempty"`
}

// PolicyGraph is the fully resolved aggregate the engine evaluates:
// one policy with its rule groups, rules, exceptions and tariff plans.
// Read-only during evaluation.
type PolicyGraph struct {
	Policy     *Policy               `json:"policy"`
	Groups     []*RuleGroup          `json:"groups"`
	Rules      []*Rule               `json:"rules"`
	Exceptions map[string][]*RuleException `json:"exceptions,omitempty"` // key: rule ID
	Plans      []*TariffPlan         `json:"plans,omitempty"`
	Components []*TariffComponent    `json:"components,omitempty"`
}

// GroupRules returns the active rules belonging to the given group,
// or the ungrouped rules when groupID is empty.
func (g *PolicyGraph) GroupRules(groupID string) []*Rule {
	var out []*Rule
	for _, r := range g.Rules {
		if r.RuleGroupID == groupID && r.Status == StatusActive {
			out = append(out, r)
		}
	}
	return out
}
