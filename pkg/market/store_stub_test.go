package market

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers and rolls the
// state back when fn fails, mimicking a database transaction.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions []CreditTransaction
	projects     map[string]Project
	grants       map[string]UnlockGrant
	bids         map[string]Bid

	getAccountError error
	sumError        error
	insertError     error
	listProjectsErr error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: make(map[string]Account),
		projects: make(map[string]Project),
		grants:   make(map[string]UnlockGrant),
		bids:     make(map[string]Bid),
	}
}

func grantKey(accountID, projectID string) string {
	return accountID + "|" + projectID
}

func (store *stubStore) snapshot() *stubStore {
	copied := &stubStore{
		accounts: make(map[string]Account, len(store.accounts)),
		projects: make(map[string]Project, len(store.projects)),
		grants:   make(map[string]UnlockGrant, len(store.grants)),
		bids:     make(map[string]Bid, len(store.bids)),
	}
	for key, value := range store.accounts {
		copied.accounts[key] = value
	}
	copied.transactions = append([]CreditTransaction(nil), store.transactions...)
	for key, value := range store.projects {
		copied.projects[key] = value
	}
	for key, value := range store.grants {
		copied.grants[key] = value
	}
	for key, value := range store.bids {
		copied.bids[key] = value
	}
	return copied
}

func (store *stubStore) restore(snapshot *stubStore) {
	store.accounts = snapshot.accounts
	store.transactions = snapshot.transactions
	store.projects = snapshot.projects
	store.grants = snapshot.grants
	store.bids = snapshot.bids
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, (*txStubStore)(store)); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

// txStubStore is the in-transaction view: same state, no locking, so the
// serialized WithTx body can call store methods without deadlocking.
type txStubStore stubStore

func (store *txStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, account Account) (Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*txStubStore)(store).GetOrCreateAccount(ctx, account)
}

func (store *txStubStore) GetOrCreateAccount(_ context.Context, account Account) (Account, bool, error) {
	if existing, ok := store.accounts[account.AccountID]; ok {
		return existing, false, nil
	}
	store.accounts[account.AccountID] = account
	return account, true, nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return (*txStubStore)(store).GetAccount(ctx, accountID)
}

func (store *txStubStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return (*txStubStore)(store).GetAccount(ctx, accountID)
}

func (store *txStubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction CreditTransaction) error {
	return (*txStubStore)(store).InsertTransaction(ctx, transaction)
}

func (store *txStubStore) InsertTransaction(_ context.Context, transaction CreditTransaction) error {
	if store.insertError != nil {
		return store.insertError
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID string) (CreditTransaction, error) {
	return (*txStubStore)(store).GetTransaction(ctx, transactionID)
}

func (store *txStubStore) GetTransaction(_ context.Context, transactionID string) (CreditTransaction, error) {
	for _, transaction := range store.transactions {
		if transaction.TransactionID == transactionID {
			return transaction, nil
		}
	}
	return CreditTransaction{}, ErrNotFound
}

func (store *stubStore) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	return (*txStubStore)(store).SumTransactions(ctx, accountID)
}

func (store *txStubStore) SumTransactions(_ context.Context, accountID string) (int64, error) {
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			total += transaction.Delta
		}
	}
	return total, nil
}

func (store *stubStore) RefundExists(ctx context.Context, transactionID string) (bool, error) {
	return (*txStubStore)(store).RefundExists(ctx, transactionID)
}

func (store *txStubStore) RefundExists(_ context.Context, transactionID string) (bool, error) {
	for _, transaction := range store.transactions {
		if transaction.Reason == ReasonRefund && transaction.Reference == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	return (*txStubStore)(store).ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (store *txStubStore) ListTransactions(_ context.Context, accountID string, beforeUnixUTC int64, limit int) ([]CreditTransaction, error) {
	var out []CreditTransaction
	for _, transaction := range store.transactions {
		if transaction.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, transaction)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) CreateProject(ctx context.Context, project Project) error {
	return (*txStubStore)(store).CreateProject(ctx, project)
}

func (store *txStubStore) CreateProject(_ context.Context, project Project) error {
	store.projects[project.ProjectID] = project
	return nil
}

func (store *stubStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return (*txStubStore)(store).GetProject(ctx, projectID)
}

func (store *txStubStore) GetProject(_ context.Context, projectID string) (Project, error) {
	project, ok := store.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (store *stubStore) GetProjectForUpdate(ctx context.Context, projectID string) (Project, error) {
	return (*txStubStore)(store).GetProject(ctx, projectID)
}

func (store *txStubStore) GetProjectForUpdate(ctx context.Context, projectID string) (Project, error) {
	return store.GetProject(ctx, projectID)
}

func (store *stubStore) UpdateProjectStatus(ctx context.Context, projectID string, from, to ProjectStatus) (bool, error) {
	return (*txStubStore)(store).UpdateProjectStatus(ctx, projectID, from, to)
}

func (store *txStubStore) UpdateProjectStatus(_ context.Context, projectID string, from, to ProjectStatus) (bool, error) {
	project, ok := store.projects[projectID]
	if !ok || project.Status != from {
		return false, nil
	}
	project.Status = to
	store.projects[projectID] = project
	return true, nil
}

func (store *stubStore) ListProjects(ctx context.Context) ([]Project, error) {
	return (*txStubStore)(store).ListProjects(ctx)
}

func (store *txStubStore) ListProjects(_ context.Context) ([]Project, error) {
	if store.listProjectsErr != nil {
		return nil, store.listProjectsErr
	}
	out := make([]Project, 0, len(store.projects))
	for _, project := range store.projects {
		out = append(out, project)
	}
	return out, nil
}

func (store *stubStore) ListExpiredLiveProjectIDs(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	return (*txStubStore)(store).ListExpiredLiveProjectIDs(ctx, nowUnixUTC)
}

func (store *txStubStore) ListExpiredLiveProjectIDs(_ context.Context, nowUnixUTC int64) ([]string, error) {
	var ids []string
	for _, project := range store.projects {
		if project.Status == ProjectLive && project.DeadlineUnixUTC <= nowUnixUTC {
			ids = append(ids, project.ProjectID)
		}
	}
	return ids, nil
}

func (store *stubStore) CreateGrant(ctx context.Context, grant UnlockGrant) error {
	return (*txStubStore)(store).CreateGrant(ctx, grant)
}

func (store *txStubStore) CreateGrant(_ context.Context, grant UnlockGrant) error {
	key := grantKey(grant.AccountID, grant.ProjectID)
	if _, exists := store.grants[key]; exists {
		return ErrAlreadyUnlocked
	}
	store.grants[key] = grant
	return nil
}

func (store *stubStore) GrantExists(ctx context.Context, accountID string, projectID string) (bool, error) {
	return (*txStubStore)(store).GrantExists(ctx, accountID, projectID)
}

func (store *txStubStore) GrantExists(_ context.Context, accountID string, projectID string) (bool, error) {
	_, exists := store.grants[grantKey(accountID, projectID)]
	return exists, nil
}

func (store *stubStore) ListGrantsByAccount(ctx context.Context, accountID string) ([]UnlockGrant, error) {
	return (*txStubStore)(store).ListGrantsByAccount(ctx, accountID)
}

func (store *txStubStore) ListGrantsByAccount(_ context.Context, accountID string) ([]UnlockGrant, error) {
	var out []UnlockGrant
	for _, grant := range store.grants {
		if grant.AccountID == accountID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (store *stubStore) CreateBid(ctx context.Context, bid Bid) error {
	return (*txStubStore)(store).CreateBid(ctx, bid)
}

func (store *txStubStore) CreateBid(_ context.Context, bid Bid) error {
	for _, existing := range store.bids {
		if existing.ProjectID == bid.ProjectID && existing.ContractorID == bid.ContractorID && !existing.Status.Terminal() {
			return ErrDuplicateBid
		}
	}
	store.bids[bid.BidID] = bid
	return nil
}

func (store *stubStore) GetBid(ctx context.Context, bidID string) (Bid, error) {
	return (*txStubStore)(store).GetBid(ctx, bidID)
}

func (store *txStubStore) GetBid(_ context.Context, bidID string) (Bid, error) {
	bid, ok := store.bids[bidID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	return bid, nil
}

func (store *stubStore) GetBidForUpdate(ctx context.Context, bidID string) (Bid, error) {
	return (*txStubStore)(store).GetBid(ctx, bidID)
}

func (store *txStubStore) GetBidForUpdate(ctx context.Context, bidID string) (Bid, error) {
	return store.GetBid(ctx, bidID)
}

func (store *stubStore) UpdateBidStatus(ctx context.Context, bidID string, from, to BidStatus, atUnixUTC int64) (bool, error) {
	return (*txStubStore)(store).UpdateBidStatus(ctx, bidID, from, to, atUnixUTC)
}

func (store *txStubStore) UpdateBidStatus(_ context.Context, bidID string, from, to BidStatus, atUnixUTC int64) (bool, error) {
	bid, ok := store.bids[bidID]
	if !ok || bid.Status != from {
		return false, nil
	}
	bid.Status = to
	bid.UpdatedUnixUTC = atUnixUTC
	store.bids[bidID] = bid
	return true, nil
}

func (store *stubStore) RejectPendingBids(ctx context.Context, projectID string, exceptBidID string, atUnixUTC int64) (int64, error) {
	return (*txStubStore)(store).RejectPendingBids(ctx, projectID, exceptBidID, atUnixUTC)
}

func (store *txStubStore) RejectPendingBids(_ context.Context, projectID string, exceptBidID string, atUnixUTC int64) (int64, error) {
	var rejected int64
	for bidID, bid := range store.bids {
		if bid.ProjectID != projectID || bid.Status != BidPending || bidID == exceptBidID {
			continue
		}
		bid.Status = BidRejected
		bid.UpdatedUnixUTC = atUnixUTC
		store.bids[bidID] = bid
		rejected++
	}
	return rejected, nil
}

func (store *stubStore) ListBidsByProject(ctx context.Context, projectID string) ([]Bid, error) {
	return (*txStubStore)(store).ListBidsByProject(ctx, projectID)
}

func (store *txStubStore) ListBidsByProject(_ context.Context, projectID string) ([]Bid, error) {
	var out []Bid
	for _, bid := range store.bids {
		if bid.ProjectID == projectID {
			out = append(out, bid)
		}
	}
	return out, nil
}

func (store *stubStore) ListBidsByContractor(ctx context.Context, contractorID string) ([]Bid, error) {
	return (*txStubStore)(store).ListBidsByContractor(ctx, contractorID)
}

func (store *txStubStore) ListBidsByContractor(_ context.Context, contractorID string) ([]Bid, error) {
	var out []Bid
	for _, bid := range store.bids {
		if bid.ContractorID == contractorID {
			out = append(out, bid)
		}
	}
	return out, nil
}

// Test fixtures and helpers shared across the package tests.

const testNow int64 = 1_700_000_000

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	counter := 0
	service, err := NewService(store, func() int64 { return testNow }, WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedAccount(test *testing.T, store *stubStore, accountID string, role Role) {
	test.Helper()
	store.accounts[accountID] = Account{AccountID: accountID, Role: role, CreatedUnixUTC: testNow}
}

func seedCredits(test *testing.T, store *stubStore, accountID string, amount int64) {
	test.Helper()
	store.transactions = append(store.transactions, CreditTransaction{
		TransactionID:  fmt.Sprintf("seed-%s-%d", accountID, len(store.transactions)),
		AccountID:      accountID,
		Delta:          amount,
		Reason:         ReasonGrant,
		CreatedUnixUTC: testNow,
	})
}

func seedLiveProject(test *testing.T, store *stubStore, projectID string, ownerID string) Project {
	test.Helper()
	project := Project{
		ProjectID:       projectID,
		OwnerID:         ownerID,
		Title:           "Kitchen remodel",
		Description:     "Full gut renovation of a 90s kitchen",
		Category:        "kitchen",
		Status:          ProjectLive,
		DeadlineUnixUTC: testNow + 3600,
		CreatedUnixUTC:  testNow,
	}
	store.projects[projectID] = project
	return project
}

func seedGrant(test *testing.T, store *stubStore, accountID string, projectID string) {
	test.Helper()
	store.grants[grantKey(accountID, projectID)] = UnlockGrant{
		AccountID:      accountID,
		ProjectID:      projectID,
		TransactionID:  "seed-grant-tx",
		CreatedUnixUTC: testNow,
	}
}

func seedPendingBid(test *testing.T, store *stubStore, bidID string, projectID string, contractorID string) Bid {
	test.Helper()
	bid := Bid{
		BidID:          bidID,
		ProjectID:      projectID,
		ContractorID:   contractorID,
		AmountCents:    500_00,
		TimelineDays:   14,
		Status:         BidPending,
		CreatedUnixUTC: testNow,
		UpdatedUnixUTC: testNow,
	}
	store.bids[bidID] = bid
	return bid
}

func countTransactions(store *stubStore, accountID string, reason TransactionReason) int {
	count := 0
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.Reason == reason {
			count++
		}
	}
	return count
}
