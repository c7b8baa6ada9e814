package market

import "context"

// Dashboard aggregates what a contractor sees on their dashboard: credit
// balance, projects they unlocked, and their submitted bids.
type Dashboard struct {
	Balance          int64
	UnlockedProjects []ProjectView
	Bids             []Bid
}

// GetDashboard assembles the contractor dashboard from the ledger, the
// grant list, and the bid list.
func (service *Service) GetDashboard(ctx context.Context, contractorID string) (Dashboard, error) {
	contractorID, err := requireAccountID(contractorID)
	if err != nil {
		return Dashboard{}, err
	}
	if _, err := service.store.GetAccount(ctx, contractorID); err != nil {
		return Dashboard{}, err
	}
	balance, err := service.store.SumTransactions(ctx, contractorID)
	if err != nil {
		return Dashboard{}, err
	}
	grants, err := service.store.ListGrantsByAccount(ctx, contractorID)
	if err != nil {
		return Dashboard{}, err
	}
	unlocked := make([]ProjectView, 0, len(grants))
	for _, grant := range grants {
		project, err := service.store.GetProject(ctx, grant.ProjectID)
		if err != nil {
			return Dashboard{}, err
		}
		unlocked = append(unlocked, service.projectView(project, true))
	}
	bids, err := service.store.ListBidsByContractor(ctx, contractorID)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		Balance:          balance,
		UnlockedProjects: unlocked,
		Bids:             bids,
	}, nil
}
