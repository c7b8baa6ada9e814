package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// WindowUnit is the unit of a bid window as entered on the project form.
type WindowUnit string

const (
	WindowHours WindowUnit = "hours"
	WindowDays  WindowUnit = "days"
)

// BidWindow is the bidding duration entered at creation time. It is
// converted once into an absolute UTC deadline; remaining time is always
// computed at read time.
type BidWindow struct {
	Value int64
	Unit  WindowUnit
}

const defaultBidWindowHours = 72

// Duration converts the window into a time.Duration, defaulting to 72 hours
// when unset.
func (window BidWindow) Duration() (time.Duration, error) {
	if window.Value == 0 && window.Unit == "" {
		return defaultBidWindowHours * time.Hour, nil
	}
	if window.Value < 1 {
		return 0, fmt.Errorf("%w: bid window must be at least 1", ErrValidation)
	}
	switch window.Unit {
	case WindowHours:
		return time.Duration(window.Value) * time.Hour, nil
	case WindowDays:
		return time.Duration(window.Value) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: unknown bid window unit %q", ErrValidation, window.Unit)
}

// ProjectInput carries the project creation form fields.
type ProjectInput struct {
	Title            string
	Description      string
	Category         string
	LocationCity     string
	LocationState    string
	BudgetCents      int64
	Window           BidWindow
	Attachments      []Attachment
	LineItems        []QuoteLineItem
	QuoteDocumentRef string
}

// CreateProject validates the form fields and opens a LIVE project owned by
// a homeowner account.
func (service *Service) CreateProject(ctx context.Context, ownerID string, input ProjectInput) (Project, error) {
	ownerID, err := requireAccountID(ownerID)
	if err != nil {
		return Project{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Project{}, fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if !ValidCategory(input.Category) {
		return Project{}, fmt.Errorf("%w: unknown category %q", ErrValidation, input.Category)
	}
	if input.BudgetCents < 0 {
		return Project{}, fmt.Errorf("%w: budget must not be negative", ErrValidation)
	}
	attachments, err := normalizeAttachments(input.Attachments)
	if err != nil {
		return Project{}, err
	}
	if len(input.LineItems) > 0 && strings.TrimSpace(input.QuoteDocumentRef) != "" {
		return Project{}, fmt.Errorf("%w: structured quote and uploaded document are mutually exclusive", ErrValidation)
	}
	window, err := input.Window.Duration()
	if err != nil {
		return Project{}, err
	}
	now := service.nowFn()
	deadline := now + int64(window/time.Second)
	if deadline <= now {
		return Project{}, fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	}
	project := Project{
		ProjectID:        service.idFn(),
		OwnerID:          ownerID,
		Title:            title,
		Description:      input.Description,
		Category:         input.Category,
		LocationCity:     strings.TrimSpace(input.LocationCity),
		LocationState:    strings.TrimSpace(input.LocationState),
		BudgetCents:      input.BudgetCents,
		Status:           ProjectLive,
		DeadlineUnixUTC:  deadline,
		Attachments:      attachments,
		LineItems:        input.LineItems,
		QuoteDocumentRef: strings.TrimSpace(input.QuoteDocumentRef),
		CreatedUnixUTC:   now,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		owner, err := transactionStore.GetAccount(ctx, ownerID)
		if err != nil {
			return err
		}
		if owner.Role != RoleHomeowner {
			return fmt.Errorf("%w: only homeowners create projects", ErrValidation)
		}
		return transactionStore.CreateProject(ctx, project)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateProject,
		AccountID: ownerID,
		ProjectID: project.ProjectID,
		Error:     operationError,
	})
	if operationError != nil {
		return Project{}, operationError
	}
	return project, nil
}

// normalizeAttachments enforces the attachment invariants: at most ten, and
// exactly one main when any exist. A list with no main flag promotes its
// first attachment, mirroring the upload form.
func normalizeAttachments(attachments []Attachment) ([]Attachment, error) {
	if len(attachments) > maxAttachments {
		return nil, fmt.Errorf("%w: at most %d attachments", ErrValidation, maxAttachments)
	}
	if len(attachments) == 0 {
		return nil, nil
	}
	normalized := make([]Attachment, 0, len(attachments))
	mainCount := 0
	for _, attachment := range attachments {
		if strings.TrimSpace(attachment.Ref) == "" {
			return nil, fmt.Errorf("%w: empty attachment reference", ErrValidation)
		}
		if attachment.IsMain {
			mainCount++
		}
		normalized = append(normalized, attachment)
	}
	if mainCount > 1 {
		return nil, fmt.Errorf("%w: exactly one attachment may be main", ErrValidation)
	}
	if mainCount == 0 {
		normalized[0].IsMain = true
	}
	return normalized, nil
}

// CloseProject transitions a LIVE project to CLOSED on the owner's request
// and rejects its pending bids. The reason is free text kept for the audit
// trail only.
func (service *Service) CloseProject(ctx context.Context, callerID string, projectID string, reason string) error {
	callerID, err := requireAccountID(callerID)
	if err != nil {
		return err
	}
	projectID, err = requireProjectID(projectID)
	if err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		project, err := transactionStore.GetProjectForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if project.OwnerID != callerID {
			return ErrNotOwner
		}
		changed, err := transactionStore.UpdateProjectStatus(ctx, projectID, ProjectLive, ProjectClosed)
		if err != nil {
			return err
		}
		if !changed {
			return ErrInvalidTransition
		}
		_, err = transactionStore.RejectPendingBids(ctx, projectID, "", service.nowFn())
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCloseProject,
		AccountID: callerID,
		ProjectID: projectID,
		Reason:    strings.TrimSpace(reason),
		Error:     operationError,
	})
	return operationError
}

// SweepExpired transitions every LIVE project whose deadline has passed to
// EXPIRED and rejects its pending bids. Safe to run repeatedly and
// concurrently: the conditional status update makes each project transition
// at most once, and a project closed by acceptance is never touched.
func (service *Service) SweepExpired(ctx context.Context, nowUnixUTC int64) (int, error) {
	projectIDs, err := service.store.ListExpiredLiveProjectIDs(ctx, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, projectID := range projectIDs {
		sweepErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			changed, err := transactionStore.UpdateProjectStatus(ctx, projectID, ProjectLive, ProjectExpired)
			if err != nil {
				return err
			}
			if !changed {
				// Accepted or closed since the listing; leave it alone.
				return nil
			}
			expired++
			_, err = transactionStore.RejectPendingBids(ctx, projectID, "", nowUnixUTC)
			return err
		})
		if sweepErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationSweepExpired,
				ProjectID: projectID,
				Error:     sweepErr,
			})
			return expired, sweepErr
		}
	}
	if expired > 0 {
		service.logOperation(ctx, OperationLog{
			Operation: operationSweepExpired,
			Amount:    int64(expired),
		})
	}
	return expired, nil
}

// GetProject returns the project as seen by viewer: owners and grant
// holders see everything, everyone else gets the public preview.
func (service *Service) GetProject(ctx context.Context, viewerID string, projectID string) (ProjectView, error) {
	projectID, err := requireProjectID(projectID)
	if err != nil {
		return ProjectView{}, err
	}
	project, err := service.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	unlocked := viewerID != "" && viewerID == project.OwnerID
	if !unlocked && viewerID != "" {
		exists, err := service.store.GrantExists(ctx, viewerID, projectID)
		if err != nil {
			return ProjectView{}, err
		}
		unlocked = exists
	}
	return service.projectView(project, unlocked), nil
}

func (service *Service) projectView(project Project, unlocked bool) ProjectView {
	now := service.nowFn()
	view := ProjectView{Project: project, Unlocked: unlocked}
	if project.Status == ProjectLive {
		if remaining := project.DeadlineUnixUTC - now; remaining > 0 {
			view.RemainingSeconds = remaining
		} else {
			// Deadline passed but the sweep has not run yet; present the
			// effective state rather than the stored one.
			view.Status = ProjectExpired
		}
	}
	if !unlocked {
		if len(view.Description) > previewLength {
			view.Description = view.Description[:previewLength]
			view.DescriptionTruncated = true
		}
		view.LineItems = nil
		view.QuoteDocumentRef = ""
		main := make([]Attachment, 0, 1)
		for _, attachment := range project.Attachments {
			if attachment.IsMain {
				main = append(main, attachment)
				break
			}
		}
		view.Attachments = main
	}
	return view
}

// ListProjects returns projects matching every supplied filter, applied
// server side as composed predicates. Each project is rendered as the viewer
// is allowed to see it: gated content stays hidden unless the viewer owns the
// project or holds an unlock grant for it.
func (service *Service) ListProjects(ctx context.Context, viewerID string, filters ...ProjectFilter) ([]ProjectView, error) {
	projects, err := service.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	unlockedProjects := make(map[string]bool)
	if viewerID != "" {
		grants, err := service.store.ListGrantsByAccount(ctx, viewerID)
		if err != nil {
			return nil, err
		}
		for _, grant := range grants {
			unlockedProjects[grant.ProjectID] = true
		}
	}
	views := make([]ProjectView, 0, len(projects))
	for _, project := range projects {
		if !MatchProject(project, filters...) {
			continue
		}
		unlocked := viewerID != "" && (viewerID == project.OwnerID || unlockedProjects[project.ProjectID])
		views = append(views, service.projectView(project, unlocked))
	}
	return views, nil
}
