package market

import (
	"context"
	"fmt"
)

// Unlock spends one credit to create a durable UnlockGrant for
// (account, project). The grant check, project check, debit, and grant
// insert run as one transaction: two concurrent unlocks for the same pair
// yield exactly one debit and one grant, and the loser sees
// ErrAlreadyUnlocked. Callers treat ErrAlreadyUnlocked as success.
func (service *Service) Unlock(ctx context.Context, accountID string, projectID string) (UnlockGrant, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return UnlockGrant{}, err
	}
	projectID, err = requireProjectID(projectID)
	if err != nil {
		return UnlockGrant{}, err
	}
	var grant UnlockGrant
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.GrantExists(ctx, accountID, projectID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyUnlocked
		}
		project, err := transactionStore.GetProjectForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if project.Status != ProjectLive || project.DeadlineUnixUTC <= now {
			return ErrProjectNotLive
		}
		if project.OwnerID == accountID {
			return fmt.Errorf("%w: owners do not unlock their own projects", ErrValidation)
		}
		// Row lock on the account: a concurrent unlock of a different
		// project waits here instead of reading the same balance.
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Role != RoleContractor {
			return fmt.Errorf("%w: only contractors hold credits", ErrValidation)
		}
		debitID := service.idFn()
		total, err := transactionStore.SumTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		if total < UnlockCost {
			return ErrInsufficientCredits
		}
		err = transactionStore.InsertTransaction(ctx, CreditTransaction{
			TransactionID:  debitID,
			AccountID:      accountID,
			Delta:          -UnlockCost,
			Reason:         ReasonUnlockSpend,
			Reference:      projectID,
			CreatedUnixUTC: now,
		})
		if err != nil {
			return err
		}
		grant = UnlockGrant{
			AccountID:      accountID,
			ProjectID:      projectID,
			TransactionID:  debitID,
			CreatedUnixUTC: now,
		}
		// A concurrent winner makes this insert a unique violation; the
		// store maps it to ErrAlreadyUnlocked and the debit rolls back.
		return transactionStore.CreateGrant(ctx, grant)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationUnlock,
		AccountID: accountID,
		ProjectID: projectID,
		Amount:    UnlockCost,
		Error:     operationError,
	})
	if operationError != nil {
		return UnlockGrant{}, operationError
	}
	return grant, nil
}

// HasUnlocked reports whether the account holds a grant for the project.
func (service *Service) HasUnlocked(ctx context.Context, accountID string, projectID string) (bool, error) {
	return service.store.GrantExists(ctx, accountID, projectID)
}

// ListUnlocks lists the account's grants, most recent first.
func (service *Service) ListUnlocks(ctx context.Context, accountID string) ([]UnlockGrant, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListGrantsByAccount(ctx, accountID)
}
