package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID   string    `gorm:"primaryKey"`
	Role        string    `gorm:"not null"`
	DisplayName string    `gorm:""`
	Deactivated bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_credit_tx_account_created,priority:1"`
	Delta         int64          `gorm:"not null"`
	Reason        string         `gorm:"not null;index:idx_credit_tx_reason_reference,priority:1"`
	Reference     string         `gorm:"index:idx_credit_tx_reason_reference,priority:2"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_tx_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Project mirrors the projects table.
type Project struct {
	ProjectID        string    `gorm:"type:uuid;primaryKey"`
	OwnerID          string    `gorm:"not null;index"`
	Title            string    `gorm:"not null"`
	Description      string    `gorm:""`
	Category         string    `gorm:"not null;index"`
	LocationCity     string    `gorm:""`
	LocationState    string    `gorm:"index"`
	BudgetCents      int64     `gorm:"not null;default:0"`
	Status           string    `gorm:"not null;index:idx_projects_status_deadline,priority:1"`
	Deadline         time.Time `gorm:"not null;index:idx_projects_status_deadline,priority:2"`
	QuoteDocumentRef string    `gorm:""`
	CreatedAt        time.Time `gorm:"not null"`

	Attachments []ProjectAttachment `gorm:"foreignKey:ProjectID;references:ProjectID"`
	LineItems   []QuoteLineItem     `gorm:"foreignKey:ProjectID;references:ProjectID"`
}

func (Project) TableName() string { return "projects" }

func (project *Project) BeforeCreate(tx *gorm.DB) error {
	if project.ProjectID == "" {
		project.ProjectID = uuid.NewString()
	}
	return nil
}

// ProjectAttachment stores one opaque attachment reference.
type ProjectAttachment struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"type:uuid;not null;index"`
	Position  int    `gorm:"not null"`
	Ref       string `gorm:"not null"`
	IsMain    bool   `gorm:"not null;default:false"`
}

func (ProjectAttachment) TableName() string { return "project_attachments" }

// QuoteLineItem stores one structured quote row.
type QuoteLineItem struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectID   string `gorm:"type:uuid;not null;index"`
	Position    int    `gorm:"not null"`
	Description string `gorm:""`
	Quantity    string `gorm:""`
	UnitCost    string `gorm:""`
}

func (QuoteLineItem) TableName() string { return "quote_line_items" }

// UnlockGrant mirrors the unlock_grants table. The composite primary key is
// the exactly-once guarantee for unlocks.
type UnlockGrant struct {
	AccountID     string    `gorm:"primaryKey"`
	ProjectID     string    `gorm:"type:uuid;primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (UnlockGrant) TableName() string { return "unlock_grants" }

// Bid mirrors the bids table. Active is true while the bid is non-terminal
// and NULL afterwards, so the unique index on (project_id, contractor_id,
// active) admits one live bid per pair while ignoring terminal rows.
type Bid struct {
	BidID        string    `gorm:"type:uuid;primaryKey"`
	ProjectID    string    `gorm:"type:uuid;not null;index:uniq_bids_active,unique,priority:1"`
	ContractorID string    `gorm:"index:uniq_bids_active,unique,priority:2;index;not null"`
	AmountCents  int64     `gorm:"not null"`
	Message      string    `gorm:""`
	TimelineDays int       `gorm:"not null"`
	Status       string    `gorm:"not null"`
	Active       *bool     `gorm:"index:uniq_bids_active,unique,priority:3"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Bid) TableName() string { return "bids" }

func (bid *Bid) BeforeCreate(tx *gorm.DB) error {
	if bid.BidID == "" {
		bid.BidID = uuid.NewString()
	}
	return nil
}
