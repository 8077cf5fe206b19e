/*
reduction.go - Day-Reduction approval workflow

PURPOSE:
  A student may ask to have a dated range excluded from mess billing.
  The request passes through two authorities in sequence:

      pending_admin ──admin──▶ approved_by_admin ──warden──▶ approved_by_warden
            │                        │
          reject                   reject
            ▼                        ▼
      rejected_by_admin        rejected_by_warden

  approved_by_warden, rejected_by_admin and rejected_by_warden are
  terminal. Status never reverts; terminal requests are immutable.

TRANSITION MODEL:
  NextStatus is an exhaustively matched function of (current status, tier,
  decision). Adding a third tier later is a type-checked change here, not a
  string comparison scattered through handlers.

CONCURRENCY:
  Every store write is a compare-and-set on the expected pre-state, so two
  authorities racing on the same request cannot both win; the loser sees
  InvalidState and must refresh.

FINALIZATION:
  Warden approval retroactively deletes every mess_charge overlapping
  [from_date, to_date] and marks the window as an exclusion the Charge
  Materializer honors on future runs. Status write and charge deletion are
  one store transaction - a partial reduction would leave the ledger
  non-reconcilable. Rejection at either tier has no ledger effect.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STATES, TIERS, DECISIONS
// =============================================================================

type ReductionStatus string

const (
	ReductionPendingAdmin     ReductionStatus = "pending_admin"
	ReductionApprovedByAdmin  ReductionStatus = "approved_by_admin"
	ReductionRejectedByAdmin  ReductionStatus = "rejected_by_admin"
	ReductionApprovedByWarden ReductionStatus = "approved_by_warden"
	ReductionRejectedByWarden ReductionStatus = "rejected_by_warden"
)

// Terminal reports whether no further transitions are permitted.
func (s ReductionStatus) Terminal() bool {
	switch s {
	case ReductionApprovedByWarden, ReductionRejectedByAdmin, ReductionRejectedByWarden:
		return true
	default:
		return false
	}
}

// Tier is an approval authority level.
type Tier string

const (
	TierAdmin  Tier = "admin"  // first tier: institutional admin
	TierWarden Tier = "warden" // second tier: hostel warden
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// =============================================================================
// REQUEST ENTITY
// =============================================================================

// DayReductionRequest is a student's request to exclude a date range from
// mess billing. Owned by the student, mutated only by the two authorities.
type DayReductionRequest struct {
	ID            ReductionID
	StudentID     StudentID
	FromDate      DayDate
	ToDate        DayDate
	Reason        string
	Status        ReductionStatus
	AdminRemarks  string
	WardenRemarks string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Overlaps reports whether date falls inside the request window.
func (r *DayReductionRequest) Overlaps(date DayDate) bool {
	return date.AfterOrEqual(r.FromDate) && date.BeforeOrEqual(r.ToDate)
}

// =============================================================================
// TRANSITION FUNCTION
// =============================================================================

// NextStatus computes the successor state for (current, tier, decision).
// Returns an InvalidStateError when the tier may not act on the current
// state; unknown tiers and decisions are validation errors.
func NextStatus(current ReductionStatus, tier Tier, decision Decision) (ReductionStatus, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return "", &ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}

	switch tier {
	case TierAdmin:
		if current != ReductionPendingAdmin {
			return "", &InvalidStateError{Status: current, Tier: tier}
		}
		if decision == DecisionApprove {
			return ReductionApprovedByAdmin, nil
		}
		return ReductionRejectedByAdmin, nil

	case TierWarden:
		if current != ReductionApprovedByAdmin {
			return "", &InvalidStateError{Status: current, Tier: tier}
		}
		if decision == DecisionApprove {
			return ReductionApprovedByWarden, nil
		}
		return ReductionRejectedByWarden, nil

	default:
		return "", &ValidationError{Field: "tier", Reason: "unknown tier " + string(tier)}
	}
}

// =============================================================================
// SERVICE
// =============================================================================

// ReductionService drives requests through the workflow.
type ReductionService struct {
	Store ReductionStore

	Now func() time.Time
}

func NewReductionService(store ReductionStore) *ReductionService {
	return &ReductionService{Store: store, Now: time.Now}
}

// Create opens a new request in pending_admin.
func (s *ReductionService) Create(ctx context.Context, studentID StudentID, from, to DayDate, reason string) (*DayReductionRequest, error) {
	if studentID == "" {
		return nil, &ValidationError{Field: "student_id", Reason: "required"}
	}
	if from.IsZero() || to.IsZero() {
		return nil, &ValidationError{Field: "date_range", Reason: "from_date and to_date are required"}
	}
	if to.Before(from) {
		return nil, &ValidationError{Field: "date_range", Reason: "from_date must not be after to_date"}
	}
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "required"}
	}

	now := s.now()
	req := &DayReductionRequest{
		ID:        ReductionID(uuid.NewString()),
		StudentID: studentID,
		FromDate:  from,
		ToDate:    to,
		Reason:    reason,
		Status:    ReductionPendingAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.InsertReduction(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create reduction request: %w", err)
	}
	return req, nil
}

// Transition applies one authority's decision. Rejections require remarks.
// Warden approval finalizes the request: overlapping mess charges are
// removed atomically with the status write.
func (s *ReductionService) Transition(ctx context.Context, id ReductionID, tier Tier, decision Decision, remarks string) (*DayReductionRequest, error) {
	req, err := s.Store.GetReduction(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := NextStatus(req.Status, tier, decision)
	if err != nil {
		var ise *InvalidStateError
		if errors.As(err, &ise) {
			ise.RequestID = id
		}
		return nil, err
	}
	if decision == DecisionReject && remarks == "" {
		return nil, &ValidationError{Field: "remarks", Reason: "required on rejection"}
	}

	if next == ReductionApprovedByWarden {
		if _, err := s.Store.FinalizeReduction(ctx, id, req.Status, remarks); err != nil {
			return nil, s.mapRace(ctx, id, tier, err)
		}
	} else {
		if err := s.Store.TransitionReduction(ctx, id, req.Status, next, tier, remarks); err != nil {
			return nil, s.mapRace(ctx, id, tier, err)
		}
	}

	return s.Store.GetReduction(ctx, id)
}

// mapRace converts a lost compare-and-set into InvalidStateError carrying
// the status the winner left behind, so callers can refresh and decide.
func (s *ReductionService) mapRace(ctx context.Context, id ReductionID, tier Tier, err error) error {
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	current, getErr := s.Store.GetReduction(ctx, id)
	if getErr != nil {
		return err
	}
	return &InvalidStateError{RequestID: id, Status: current.Status, Tier: tier}
}

// Get returns one request.
func (s *ReductionService) Get(ctx context.Context, id ReductionID) (*DayReductionRequest, error) {
	return s.Store.GetReduction(ctx, id)
}

// List returns requests matching the filter.
func (s *ReductionService) List(ctx context.Context, filter ReductionFilter) ([]DayReductionRequest, error) {
	return s.Store.ListReductions(ctx, filter)
}

func (s *ReductionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
