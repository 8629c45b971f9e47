/*
errors.go - Error taxonomy for the ledger engine

ERROR CATEGORIES:
  1. Validation  - malformed terms or amounts, rejected before any mutation
  2. Not found   - plan, obligation or customer missing
  3. Policy      - business-rule rejections (blacklist, settlement rules)
  4. Consistency - internal assertions; abort the single operation

Every structured error unwraps to its category sentinel, so callers can
branch with errors.Is without knowing the concrete type:

    if errors.Is(err, installment.ErrPolicyViolation) { ... }

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package installment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Category sentinels.
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrPolicyViolation = errors.New("policy violation")
	ErrConsistency     = errors.New("ledger consistency violated")

	// ErrPlanNotFound is returned by stores when a plan id is unknown.
	ErrPlanNotFound = fmt.Errorf("plan %w", ErrNotFound)

	// ErrCustomerNotFound is returned by the customer directory.
	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)

	// ErrSweepInProgress is returned by Tick when the previous sweep is still running.
	ErrSweepInProgress = errors.New("overdue sweep already in progress")
)

// Policy rules reported in PolicyViolation.Rule.
const (
	RuleBlacklisted       = "customer_blacklisted"
	RuleAlreadySettled    = "already_settled"
	RulePlanCompleted     = "plan_completed"
	RuleOverdueObligation = "overdue_obligation"
	RuleLapsedObligation  = "lapsed_obligation"
	RulePlanClosed        = "plan_closed"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PolicyViolation names the rule and, where relevant, the obligation that tripped it.
type PolicyViolation struct {
	Rule         string
	PlanID       PlanID
	CustomerID   CustomerID
	ObligationID ObligationID
	Detail       string
}

func (e *PolicyViolation) Error() string {
	msg := "policy violation: " + e.Rule
	if e.PlanID != "" {
		msg += fmt.Sprintf(" (plan %s", e.PlanID)
		if e.ObligationID != "" {
			msg += fmt.Sprintf(", obligation %s", e.ObligationID)
		}
		msg += ")"
	} else if e.CustomerID != "" {
		msg += fmt.Sprintf(" (customer %s)", e.CustomerID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *PolicyViolation) Unwrap() error { return ErrPolicyViolation }

type ConsistencyError struct {
	PlanID PlanID
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger consistency violated for plan %s: %s", e.PlanID, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller can fix the request and retry.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}

func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrConsistency)
}
