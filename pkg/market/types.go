package market

import (
	"fmt"
	"strings"
)

// Role distinguishes the two account kinds in the marketplace.
type Role string

const (
	RoleHomeowner  Role = "homeowner"
	RoleContractor Role = "contractor"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleHomeowner:
		return RoleHomeowner, nil
	case RoleContractor:
		return RoleContractor, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, raw)
}

// TransactionReason enumerates why a ledger transaction was written.
type TransactionReason string

const (
	ReasonGrant       TransactionReason = "grant"
	ReasonPurchase    TransactionReason = "purchase"
	ReasonUnlockSpend TransactionReason = "unlock_spend"
	ReasonRefund      TransactionReason = "refund"
)

// ParseTransactionReason validates a raw reason string.
func ParseTransactionReason(raw string) (TransactionReason, error) {
	switch TransactionReason(raw) {
	case ReasonGrant, ReasonPurchase, ReasonUnlockSpend, ReasonRefund:
		return TransactionReason(raw), nil
	}
	return "", fmt.Errorf("%w: unknown transaction reason %q", ErrValidation, raw)
}

// ProjectStatus enumerates the project lifecycle states.
type ProjectStatus string

const (
	ProjectLive    ProjectStatus = "live"
	ProjectClosed  ProjectStatus = "closed"
	ProjectExpired ProjectStatus = "expired"
)

// BidStatus enumerates the bid lifecycle states. Only pending is non-terminal.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

// Terminal reports whether the status admits no further transition.
func (status BidStatus) Terminal() bool {
	return status != BidPending
}

// Account is a marketplace identity. Contractors carry a credit balance
// derived from their transaction log; the struct itself holds none.
type Account struct {
	AccountID      string
	Role           Role
	DisplayName    string
	Deactivated    bool
	CreatedUnixUTC int64
}

// CreditTransaction is a single immutable line in an account's ledger.
// Balance is always the running sum of deltas.
type CreditTransaction struct {
	TransactionID  string
	AccountID      string
	Delta          int64
	Reason         TransactionReason
	Reference      string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Attachment is an opaque reference to an uploaded file. Exactly one
// attachment on a project is the main one when any exist.
type Attachment struct {
	Ref    string
	IsMain bool
}

// QuoteLineItem is one persisted row of a structured quote.
type QuoteLineItem struct {
	Description string
	Quantity    string
	UnitCost    string
}

// Project is a homeowner's posted job open for contractor bids until its
// deadline passes or a bid is accepted.
type Project struct {
	ProjectID        string
	OwnerID          string
	Title            string
	Description      string
	Category         string
	LocationCity     string
	LocationState    string
	BudgetCents      int64 // 0 means no budget given
	Status           ProjectStatus
	DeadlineUnixUTC  int64
	Attachments      []Attachment
	LineItems        []QuoteLineItem
	QuoteDocumentRef string
	CreatedUnixUTC   int64
}

// UnlockGrant records that an account spent a credit on a project. Never
// revoked once written; unique per (account, project).
type UnlockGrant struct {
	AccountID      string
	ProjectID      string
	TransactionID  string
	CreatedUnixUTC int64
}

// Bid is a contractor's priced proposal on an unlocked project.
type Bid struct {
	BidID          string
	ProjectID      string
	ContractorID   string
	AmountCents    int64
	Message        string
	TimelineDays   int
	Status         BidStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// ProjectView is a read of a project with visibility applied: viewers
// without an unlock grant see only the public preview.
type ProjectView struct {
	Project
	Unlocked             bool
	RemainingSeconds     int64
	DescriptionTruncated bool
}

// ServiceCategories is the fixed vocabulary offered by the project form.
var ServiceCategories = []string{
	"kitchen",
	"bathroom",
	"deck-patio",
	"basement",
	"landscaping",
	"pressure-washing",
	"gutter-work",
	"concrete",
	"roofing",
	"painting",
	"flooring",
	"other",
}

// ValidCategory reports whether raw is one of ServiceCategories.
func ValidCategory(raw string) bool {
	for _, category := range ServiceCategories {
		if category == raw {
			return true
		}
	}
	return false
}

func requireAccountID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty account id", ErrValidation)
	}
	return trimmed, nil
}

func requireProjectID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty project id", ErrValidation)
	}
	return trimmed, nil
}

func requireBidID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty bid id", ErrValidation)
	}
	return trimmed, nil
}

func requirePositiveAmount(raw int64) error {
	if raw <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}
