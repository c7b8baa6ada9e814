package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hearthbid/marketplace/pkg/market"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBid       = "bid"
	errorSubjectGrant     = "grant"
	errorSubjectProject   = "project"
	errorSubjectTx        = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdateStatus = "update_status"
)

// Store implements market.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for every table the store owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&CreditTransaction{},
		&Project{},
		&ProjectAttachment{},
		&QuoteLineItem{},
		&UnlockGrant{},
		&Bid{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore market.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, account market.Account) (market.Account, bool, error) {
	model := Account{
		AccountID:   account.AccountID,
		Role:        string(account.Role),
		DisplayName: account.DisplayName,
		CreatedAt:   time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	// DO NOTHING on conflict so two first-sight requests racing the same
	// account both succeed; the loser falls through to the existing row.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return market.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	if result.RowsAffected > 0 {
		return mapAccount(model), true, nil
	}
	existing, err := store.GetAccount(ctx, account.AccountID)
	if err != nil {
		return market.Account{}, false, err
	}
	return existing, false, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (market.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (market.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, forUpdate bool) (market.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return market.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, market.ErrNotFound)
		}
		return market.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction market.CreditTransaction) error {
	model := CreditTransaction{
		TransactionID: transaction.TransactionID,
		AccountID:     transaction.AccountID,
		Delta:         transaction.Delta,
		Reason:        string(transaction.Reason),
		Reference:     transaction.Reference,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (market.CreditTransaction, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return market.CreditTransaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, market.ErrNotFound)
		}
		return market.CreditTransaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return mapTransaction(model), nil
}

func (store *Store) SumTransactions(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(delta),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) RefundExists(ctx context.Context, transactionID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("reason = ? AND reference = ?", string(market.ReasonRefund), transactionID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]market.CreditTransaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}

	transactions := make([]market.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func (store *Store) CreateProject(ctx context.Context, project market.Project) error {
	model := projectModel(project)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectProject, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetProject(ctx context.Context, projectID string) (market.Project, error) {
	return store.getProject(ctx, projectID, false)
}

func (store *Store) GetProjectForUpdate(ctx context.Context, projectID string) (market.Project, error) {
	return store.getProject(ctx, projectID, true)
}

func (store *Store) getProject(ctx context.Context, projectID string, forUpdate bool) (market.Project, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Project
	err := query.
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("project_id = ?", projectID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return market.Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, market.ErrNotFound)
		}
		return market.Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, err)
	}
	return mapProject(model), nil
}

func (store *Store) UpdateProjectStatus(ctx context.Context, projectID string, from, to market.ProjectStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Project{}).
		Where("project_id = ? AND status = ?", projectID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectProject, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListProjects(ctx context.Context) ([]market.Project, error) {
	var rows []Project
	err := store.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectProject, errorCodeList, err)
	}
	projects := make([]market.Project, 0, len(rows))
	for _, row := range rows {
		projects = append(projects, mapProject(row))
	}
	return projects, nil
}

func (store *Store) ListExpiredLiveProjectIDs(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Project{}).
		Where("status = ? AND deadline <= ?", string(market.ProjectLive), time.Unix(nowUnixUTC, 0).UTC()).
		Pluck("project_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectProject, errorCodeList, err)
	}
	return ids, nil
}

func (store *Store) CreateGrant(ctx context.Context, grant market.UnlockGrant) error {
	model := UnlockGrant{
		AccountID:     grant.AccountID,
		ProjectID:     grant.ProjectID,
		TransactionID: grant.TransactionID,
		CreatedAt:     time.Unix(grant.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, market.ErrAlreadyUnlocked)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GrantExists(ctx context.Context, accountID string, projectID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&UnlockGrant{}).
		Where("account_id = ? AND project_id = ?", accountID, projectID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ListGrantsByAccount(ctx context.Context, accountID string) ([]market.UnlockGrant, error) {
	var rows []UnlockGrant
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]market.UnlockGrant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, market.UnlockGrant{
			AccountID:      row.AccountID,
			ProjectID:      row.ProjectID,
			TransactionID:  row.TransactionID,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return grants, nil
}

func (store *Store) CreateBid(ctx context.Context, bid market.Bid) error {
	active := true
	model := Bid{
		BidID:        bid.BidID,
		ProjectID:    bid.ProjectID,
		ContractorID: bid.ContractorID,
		AmountCents:  bid.AmountCents,
		Message:      bid.Message,
		TimelineDays: bid.TimelineDays,
		Status:       string(bid.Status),
		Active:       &active,
		CreatedAt:    time.Unix(bid.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:    time.Unix(bid.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBid, errorCodeDuplicate, market.ErrDuplicateBid)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBid, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBid(ctx context.Context, bidID string) (market.Bid, error) {
	return store.getBid(ctx, bidID, false)
}

func (store *Store) GetBidForUpdate(ctx context.Context, bidID string) (market.Bid, error) {
	return store.getBid(ctx, bidID, true)
}

func (store *Store) getBid(ctx context.Context, bidID string, forUpdate bool) (market.Bid, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Bid
	err := query.Where("bid_id = ?", bidID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return market.Bid{}, wrapStoreError(errorSubjectBid, errorCodeGet, market.ErrNotFound)
		}
		return market.Bid{}, wrapStoreError(errorSubjectBid, errorCodeGet, err)
	}
	return mapBid(model), nil
}

func (store *Store) UpdateBidStatus(ctx context.Context, bidID string, from, to market.BidStatus, atUnixUTC int64) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Unix(atUnixUTC, 0).UTC(),
	}
	if to.Terminal() {
		updates["active"] = nil
	}
	result := store.db.WithContext(ctx).
		Model(&Bid{}).
		Where("bid_id = ? AND status = ?", bidID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBid, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) RejectPendingBids(ctx context.Context, projectID string, exceptBidID string, atUnixUTC int64) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&Bid{}).
		Where("project_id = ? AND status = ?", projectID, string(market.BidPending))
	if exceptBidID != "" {
		query = query.Where("bid_id <> ?", exceptBidID)
	}
	result := query.Updates(map[string]interface{}{
		"status":     string(market.BidRejected),
		"active":     nil,
		"updated_at": time.Unix(atUnixUTC, 0).UTC(),
	})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBid, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListBidsByProject(ctx context.Context, projectID string) ([]market.Bid, error) {
	return store.listBids(ctx, "project_id = ?", projectID)
}

func (store *Store) ListBidsByContractor(ctx context.Context, contractorID string) ([]market.Bid, error) {
	return store.listBids(ctx, "contractor_id = ?", contractorID)
}

func (store *Store) listBids(ctx context.Context, condition string, value string) ([]market.Bid, error) {
	var rows []Bid
	err := store.db.WithContext(ctx).
		Where(condition, value).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBid, errorCodeList, err)
	}
	bids := make([]market.Bid, 0, len(rows))
	for _, row := range rows {
		bids = append(bids, mapBid(row))
	}
	return bids, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return market.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) market.Account {
	return market.Account{
		AccountID:      model.AccountID,
		Role:           market.Role(model.Role),
		DisplayName:    model.DisplayName,
		Deactivated:    model.Deactivated,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func mapTransaction(model CreditTransaction) market.CreditTransaction {
	return market.CreditTransaction{
		TransactionID:  model.TransactionID,
		AccountID:      model.AccountID,
		Delta:          model.Delta,
		Reason:         market.TransactionReason(model.Reason),
		Reference:      model.Reference,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func projectModel(project market.Project) Project {
	model := Project{
		ProjectID:        project.ProjectID,
		OwnerID:          project.OwnerID,
		Title:            project.Title,
		Description:      project.Description,
		Category:         project.Category,
		LocationCity:     project.LocationCity,
		LocationState:    project.LocationState,
		BudgetCents:      project.BudgetCents,
		Status:           string(project.Status),
		Deadline:         time.Unix(project.DeadlineUnixUTC, 0).UTC(),
		QuoteDocumentRef: project.QuoteDocumentRef,
		CreatedAt:        time.Unix(project.CreatedUnixUTC, 0).UTC(),
	}
	for position, attachment := range project.Attachments {
		model.Attachments = append(model.Attachments, ProjectAttachment{
			ProjectID: project.ProjectID,
			Position:  position,
			Ref:       attachment.Ref,
			IsMain:    attachment.IsMain,
		})
	}
	for position, item := range project.LineItems {
		model.LineItems = append(model.LineItems, QuoteLineItem{
			ProjectID:   project.ProjectID,
			Position:    position,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitCost:    item.UnitCost,
		})
	}
	return model
}

func mapProject(model Project) market.Project {
	project := market.Project{
		ProjectID:        model.ProjectID,
		OwnerID:          model.OwnerID,
		Title:            model.Title,
		Description:      model.Description,
		Category:         model.Category,
		LocationCity:     model.LocationCity,
		LocationState:    model.LocationState,
		BudgetCents:      model.BudgetCents,
		Status:           market.ProjectStatus(model.Status),
		DeadlineUnixUTC:  model.Deadline.Unix(),
		QuoteDocumentRef: model.QuoteDocumentRef,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	for _, attachment := range model.Attachments {
		project.Attachments = append(project.Attachments, market.Attachment{
			Ref:    attachment.Ref,
			IsMain: attachment.IsMain,
		})
	}
	for _, item := range model.LineItems {
		project.LineItems = append(project.LineItems, market.QuoteLineItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitCost:    item.UnitCost,
		})
	}
	return project
}

func mapBid(model Bid) market.Bid {
	return market.Bid{
		BidID:          model.BidID,
		ProjectID:      model.ProjectID,
		ContractorID:   model.ContractorID,
		AmountCents:    model.AmountCents,
		Message:        model.Message,
		TimelineDays:   model.TimelineDays,
		Status:         market.BidStatus(model.Status),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
