package market

const (
	operationEnsureAccount = "ensure_account"
	operationGrant         = "grant"
	operationDebit         = "debit"
	operationRefund        = "refund"
	operationUnlock        = "unlock"
	operationCreateProject = "create_project"
	operationCloseProject  = "close_project"
	operationSweepExpired  = "sweep_expired"
	operationSubmitBid     = "submit_bid"
	operationAcceptBid     = "accept_bid"
	operationWithdrawBid   = "withdraw_bid"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// UnlockCost is the fixed credit price of unlocking one project.
	UnlockCost int64 = 1

	// StarterCredits is granted once to a contractor account on first sight.
	StarterCredits int64 = 3

	referencePrefixSignup = "signup:"

	// previewLength caps the description shown to viewers without a grant.
	previewLength = 160

	maxAttachments = 10
)
