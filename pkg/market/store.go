package market

import "context"

// Store is the persistence contract used by Service. Implementations must
// make WithTx transactional: every mutation inside fn commits or rolls back
// as one unit, and row reads via the ForUpdate variants hold their locks
// until the transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// Accounts. GetAccountForUpdate locks the account row for the rest of
	// the transaction; debits take it so concurrent balance checks for the
	// same account serialize.
	GetOrCreateAccount(ctx context.Context, account Account) (Account, bool, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)

	// Credit ledger. InsertTransaction appends; the log is never updated.
	InsertTransaction(ctx context.Context, transaction CreditTransaction) error
	GetTransaction(ctx context.Context, transactionID string) (CreditTransaction, error)
	SumTransactions(ctx context.Context, accountID string) (int64, error)
	RefundExists(ctx context.Context, transactionID string) (bool, error)
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error)

	// Projects. UpdateProjectStatus performs a conditional transition and
	// reports whether a row actually moved; zero rows means someone else
	// already transitioned it.
	CreateProject(ctx context.Context, project Project) error
	GetProject(ctx context.Context, projectID string) (Project, error)
	GetProjectForUpdate(ctx context.Context, projectID string) (Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, from, to ProjectStatus) (bool, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListExpiredLiveProjectIDs(ctx context.Context, nowUnixUTC int64) ([]string, error)

	// Unlock grants. CreateGrant returns ErrAlreadyUnlocked (wrapped) when
	// the (account, project) pair already holds a grant.
	CreateGrant(ctx context.Context, grant UnlockGrant) error
	GrantExists(ctx context.Context, accountID string, projectID string) (bool, error)
	ListGrantsByAccount(ctx context.Context, accountID string) ([]UnlockGrant, error)

	// Bids. CreateBid returns ErrDuplicateBid (wrapped) when the contractor
	// already holds a non-terminal bid on the project.
	CreateBid(ctx context.Context, bid Bid) error
	GetBid(ctx context.Context, bidID string) (Bid, error)
	GetBidForUpdate(ctx context.Context, bidID string) (Bid, error)
	UpdateBidStatus(ctx context.Context, bidID string, from, to BidStatus, atUnixUTC int64) (bool, error)
	RejectPendingBids(ctx context.Context, projectID string, exceptBidID string, atUnixUTC int64) (int64, error)
	ListBidsByProject(ctx context.Context, projectID string) ([]Bid, error)
	ListBidsByContractor(ctx context.Context, contractorID string) ([]Bid, error)
}
