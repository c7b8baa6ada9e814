package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the marketplace domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	idFn   func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, idFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// EnsureAccount creates the account on first sight and returns it. A
// contractor seen for the first time receives the starter credit grant in
// the same transaction.
func (service *Service) EnsureAccount(ctx context.Context, accountID string, role Role, displayName string) (Account, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return Account{}, err
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		stored, created, err := transactionStore.GetOrCreateAccount(ctx, Account{
			AccountID:      accountID,
			Role:           role,
			DisplayName:    displayName,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		account = stored
		if created && role == RoleContractor {
			return transactionStore.InsertTransaction(ctx, CreditTransaction{
				TransactionID:  service.idFn(),
				AccountID:      accountID,
				Delta:          StarterCredits,
				Reason:         ReasonGrant,
				Reference:      referencePrefixSignup + accountID,
				CreatedUnixUTC: service.nowFn(),
			})
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsureAccount,
		AccountID: accountID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// Grant appends a positive transaction and returns the new balance. A zero
// amount is a no-op that still reports the balance.
func (service *Service) Grant(ctx context.Context, accountID string, amount int64, reason TransactionReason, reference string, metadataJSON string) (int64, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: grant amount must not be negative", ErrValidation)
	}
	if reason != ReasonGrant && reason != ReasonPurchase {
		return 0, fmt.Errorf("%w: grant reason must be grant or purchase", ErrValidation)
	}
	var balance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, accountID); err != nil {
			return err
		}
		if amount > 0 {
			err := transactionStore.InsertTransaction(ctx, CreditTransaction{
				TransactionID:  service.idFn(),
				AccountID:      accountID,
				Delta:          amount,
				Reason:         reason,
				Reference:      reference,
				MetadataJSON:   metadataJSON,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
		}
		total, err := transactionStore.SumTransactions(ctx, accountID)
		if err != nil {
			return err
		}
		balance = total
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// Debit appends a negative transaction iff the balance covers it. The
// balance check and the append run inside one transaction so a concurrent
// debit can never drive the balance negative.
func (service *Service) Debit(ctx context.Context, accountID string, amount int64, reason TransactionReason, reference string) (int64, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if err := requirePositiveAmount(amount); err != nil {
		return 0, err
	}
	var balance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		total, err := service.debitTx(ctx, transactionStore, accountID, amount, reason, reference)
		if err != nil {
			return err
		}
		balance = total
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// debitTx runs the check-and-append inside an existing transaction. Unlock
// reuses it so the debit and the grant share one atomic unit. The account
// row lock serializes concurrent debits for the same account, so the sum
// cannot go stale between the check and the insert.
func (service *Service) debitTx(ctx context.Context, transactionStore Store, accountID string, amount int64, reason TransactionReason, reference string) (int64, error) {
	if _, err := transactionStore.GetAccountForUpdate(ctx, accountID); err != nil {
		return 0, err
	}
	total, err := transactionStore.SumTransactions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if total < amount {
		return 0, ErrInsufficientCredits
	}
	err = transactionStore.InsertTransaction(ctx, CreditTransaction{
		TransactionID:  service.idFn(),
		AccountID:      accountID,
		Delta:          -amount,
		Reason:         reason,
		Reference:      reference,
		CreatedUnixUTC: service.nowFn(),
	})
	if err != nil {
		return 0, err
	}
	return total - amount, nil
}

// Refund appends a compensating positive transaction referencing the
// original debit. A debit can be refunded at most once.
func (service *Service) Refund(ctx context.Context, transactionID string) (CreditTransaction, error) {
	var refund CreditTransaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		original, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.Delta >= 0 {
			return fmt.Errorf("%w: only debits can be refunded", ErrValidation)
		}
		refunded, err := transactionStore.RefundExists(ctx, original.TransactionID)
		if err != nil {
			return err
		}
		if refunded {
			return ErrAlreadyRefunded
		}
		refund = CreditTransaction{
			TransactionID:  service.idFn(),
			AccountID:      original.AccountID,
			Delta:          -original.Delta,
			Reason:         ReasonRefund,
			Reference:      original.TransactionID,
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertTransaction(ctx, refund)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: refund.AccountID,
		Amount:    refund.Delta,
		Error:     operationError,
	})
	if operationError != nil {
		return CreditTransaction{}, operationError
	}
	return refund, nil
}

// Balance returns the running sum of the account's transactions.
func (service *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return service.store.SumTransactions(ctx, accountID)
}

// ListTransactions lists ledger lines for an account before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	accountID, err := requireAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
