package market

import (
	"context"
	"fmt"
	"strings"
)

// BidInput carries the bid dialog fields.
type BidInput struct {
	AmountCents  int64
	Message      string
	TimelineDays int
}

// SubmitBid creates a PENDING bid for a contractor holding an unlock grant
// on a LIVE project before its deadline. A contractor holds at most one
// non-terminal bid per project.
func (service *Service) SubmitBid(ctx context.Context, contractorID string, projectID string, input BidInput) (Bid, error) {
	contractorID, err := requireAccountID(contractorID)
	if err != nil {
		return Bid{}, err
	}
	projectID, err = requireProjectID(projectID)
	if err != nil {
		return Bid{}, err
	}
	if err := requirePositiveAmount(input.AmountCents); err != nil {
		return Bid{}, err
	}
	if input.TimelineDays <= 0 {
		return Bid{}, fmt.Errorf("%w: timeline must be at least one day", ErrValidation)
	}
	var bid Bid
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		unlocked, err := transactionStore.GrantExists(ctx, contractorID, projectID)
		if err != nil {
			return err
		}
		if !unlocked {
			return ErrNotUnlocked
		}
		project, err := transactionStore.GetProjectForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if project.Status != ProjectLive || project.DeadlineUnixUTC <= now {
			return ErrProjectNotLive
		}
		bid = Bid{
			BidID:          service.idFn(),
			ProjectID:      projectID,
			ContractorID:   contractorID,
			AmountCents:    input.AmountCents,
			Message:        strings.TrimSpace(input.Message),
			TimelineDays:   input.TimelineDays,
			Status:         BidPending,
			CreatedUnixUTC: now,
			UpdatedUnixUTC: now,
		}
		// The store rejects a second non-terminal bid by the same
		// contractor with ErrDuplicateBid.
		return transactionStore.CreateBid(ctx, bid)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSubmitBid,
		AccountID: contractorID,
		ProjectID: projectID,
		BidID:     bid.BidID,
		Amount:    input.AmountCents,
		Error:     operationError,
	})
	if operationError != nil {
		return Bid{}, operationError
	}
	return bid, nil
}

// AcceptBid accepts a PENDING bid on the caller's LIVE project. In one
// transaction the bid becomes ACCEPTED, the project CLOSED, and every other
// PENDING bid on the project REJECTED. The conditional project update means
// a concurrent sweep or second accept loses cleanly.
func (service *Service) AcceptBid(ctx context.Context, callerID string, bidID string) (Bid, error) {
	callerID, err := requireAccountID(callerID)
	if err != nil {
		return Bid{}, err
	}
	bidID, err = requireBidID(bidID)
	if err != nil {
		return Bid{}, err
	}
	var accepted Bid
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		bid, err := transactionStore.GetBidForUpdate(ctx, bidID)
		if err != nil {
			return err
		}
		project, err := transactionStore.GetProjectForUpdate(ctx, bid.ProjectID)
		if err != nil {
			return err
		}
		if project.OwnerID != callerID {
			return ErrNotOwner
		}
		if bid.Status != BidPending {
			return ErrInvalidTransition
		}
		now := service.nowFn()
		changed, err := transactionStore.UpdateProjectStatus(ctx, project.ProjectID, ProjectLive, ProjectClosed)
		if err != nil {
			return err
		}
		if !changed {
			return ErrInvalidTransition
		}
		changed, err = transactionStore.UpdateBidStatus(ctx, bidID, BidPending, BidAccepted, now)
		if err != nil {
			return err
		}
		if !changed {
			return ErrInvalidTransition
		}
		if _, err := transactionStore.RejectPendingBids(ctx, project.ProjectID, bidID, now); err != nil {
			return err
		}
		accepted = bid
		accepted.Status = BidAccepted
		accepted.UpdatedUnixUTC = now
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAcceptBid,
		AccountID: callerID,
		ProjectID: accepted.ProjectID,
		BidID:     bidID,
		Error:     operationError,
	})
	if operationError != nil {
		return Bid{}, operationError
	}
	return accepted, nil
}

// WithdrawBid lets the contractor retract their own bid while it is still
// PENDING.
func (service *Service) WithdrawBid(ctx context.Context, callerID string, bidID string) (Bid, error) {
	callerID, err := requireAccountID(callerID)
	if err != nil {
		return Bid{}, err
	}
	bidID, err = requireBidID(bidID)
	if err != nil {
		return Bid{}, err
	}
	var withdrawn Bid
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		bid, err := transactionStore.GetBidForUpdate(ctx, bidID)
		if err != nil {
			return err
		}
		if bid.ContractorID != callerID {
			return ErrNotOwner
		}
		if bid.Status != BidPending {
			return ErrInvalidTransition
		}
		now := service.nowFn()
		changed, err := transactionStore.UpdateBidStatus(ctx, bidID, BidPending, BidWithdrawn, now)
		if err != nil {
			return err
		}
		if !changed {
			return ErrInvalidTransition
		}
		withdrawn = bid
		withdrawn.Status = BidWithdrawn
		withdrawn.UpdatedUnixUTC = now
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationWithdrawBid,
		AccountID: callerID,
		BidID:     bidID,
		Error:     operationError,
	})
	if operationError != nil {
		return Bid{}, operationError
	}
	return withdrawn, nil
}

// ListProjectBids lists bids on a project. Only the owner sees them.
func (service *Service) ListProjectBids(ctx context.Context, callerID string, projectID string) ([]Bid, error) {
	projectID, err := requireProjectID(projectID)
	if err != nil {
		return nil, err
	}
	project, err := service.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	return service.store.ListBidsByProject(ctx, projectID)
}

// ListOwnBids lists the contractor's bids across projects.
func (service *Service) ListOwnBids(ctx context.Context, contractorID string) ([]Bid, error) {
	contractorID, err := requireAccountID(contractorID)
	if err != nil {
		return nil, err
	}
	return service.store.ListBidsByContractor(ctx, contractorID)
}
