package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hearthbid/marketplace/pkg/market"
)

// Server is the HTTP façade over the marketplace core.
type Server struct {
	service *market.Service
	logger  *zap.Logger
	cfg     Config
}

// New wires a Server.
func New(service *market.Service, logger *zap.Logger, cfg Config) *Server {
	return &Server{service: service, logger: logger, cfg: cfg}
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service *market.Service, logger *zap.Logger) error {
	server := New(service, logger, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine with all routes registered.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(server.sessionMiddleware())

	api.GET("/session", server.handleSession)
	api.GET("/wallet", server.handleWallet)
	api.GET("/wallet/transactions", server.handleTransactions)
	api.POST("/purchases", server.handlePurchase)
	api.POST("/projects", server.handleCreateProject)
	api.GET("/projects", server.handleListProjects)
	api.GET("/projects/:id", server.handleGetProject)
	api.POST("/projects/:id/close", server.handleCloseProject)
	api.POST("/projects/:id/unlock", server.handleUnlock)
	api.GET("/projects/:id/bids", server.handleListProjectBids)
	api.POST("/projects/:id/bids", server.handleSubmitBid)
	api.POST("/bids/:id/accept", server.handleAcceptBid)
	api.POST("/bids/:id/withdraw", server.handleWithdrawBid)
	api.GET("/dashboard", server.handleDashboard)
	api.POST("/quotes/total", server.handleQuoteTotal)

	return router
}

func (server *Server) handleSession(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id": identity.AccountID,
		"role":       identity.Role,
		"display":    identity.DisplayName,
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	balance, err := server.service.Balance(ctx.Request.Context(), identity.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactions, err := server.service.ListTransactions(ctx.Request.Context(), identity.AccountID, 0, defaultListLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":      balance,
		"transactions": transactionResponses(transactions),
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	before := parseInt64Query(ctx, "before", 0)
	limit := int(parseInt64Query(ctx, "limit", defaultListLimit))
	transactions, err := server.service.ListTransactions(ctx.Request.Context(), identity.AccountID, before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactionResponses(transactions)})
}

type purchaseRequest struct {
	Credits      int64  `json:"credits"`
	MetadataJSON string `json:"metadata_json"`
}

// handlePurchase is the payment collaborator surface: it records credits
// already captured externally, it does not charge anyone.
func (server *Server) handlePurchase(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Credits <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be positive"))
		return
	}
	balance, err := server.service.Grant(ctx.Request.Context(), identity.AccountID, request.Credits, market.ReasonPurchase, "", request.MetadataJSON)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

type attachmentRequest struct {
	Ref    string `json:"ref"`
	IsMain bool   `json:"is_main"`
}

type lineItemRequest struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitCost    string `json:"unit_cost"`
}

type createProjectRequest struct {
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Category         string              `json:"category"`
	LocationCity     string              `json:"location_city"`
	LocationState    string              `json:"location_state"`
	BudgetCents      int64               `json:"budget_cents"`
	WindowValue      int64               `json:"bid_window_value"`
	WindowUnit       string              `json:"bid_window_unit"`
	Attachments      []attachmentRequest `json:"attachments"`
	LineItems        []lineItemRequest   `json:"line_items"`
	QuoteDocumentRef string              `json:"quote_document_ref"`
}

func (server *Server) handleCreateProject(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request createProjectRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	input := market.ProjectInput{
		Title:            request.Title,
		Description:      request.Description,
		Category:         request.Category,
		LocationCity:     request.LocationCity,
		LocationState:    request.LocationState,
		BudgetCents:      request.BudgetCents,
		Window:           market.BidWindow{Value: request.WindowValue, Unit: market.WindowUnit(request.WindowUnit)},
		QuoteDocumentRef: request.QuoteDocumentRef,
	}
	for _, attachment := range request.Attachments {
		input.Attachments = append(input.Attachments, market.Attachment{Ref: attachment.Ref, IsMain: attachment.IsMain})
	}
	for _, item := range request.LineItems {
		input.LineItems = append(input.LineItems, market.QuoteLineItem{Description: item.Description, Quantity: item.Quantity, UnitCost: item.UnitCost})
	}
	project, err := server.service.CreateProject(ctx.Request.Context(), identity.AccountID, input)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, projectResponseFrom(project))
}

func (server *Server) handleListProjects(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var filters []market.ProjectFilter
	if status := ctx.Query("status"); status != "" && status != "all" {
		filters = append(filters, market.FilterStatus(market.ProjectStatus(status)))
	}
	if category := ctx.Query("category"); category != "" && category != "all" {
		filters = append(filters, market.FilterCategory(category))
	}
	if state := ctx.Query("state"); state != "" && state != "all" {
		filters = append(filters, market.FilterState(state))
	}
	minBudget := parseInt64Query(ctx, "min_budget_cents", 0)
	maxBudget := parseInt64Query(ctx, "max_budget_cents", 0)
	if minBudget > 0 || maxBudget > 0 {
		filters = append(filters, market.FilterBudgetRange(minBudget, maxBudget))
	}
	views, err := server.service.ListProjects(ctx.Request.Context(), identity.AccountID, filters...)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	responses := make([]gin.H, 0, len(views))
	for _, view := range views {
		responses = append(responses, projectViewResponse(view))
	}
	ctx.JSON(http.StatusOK, gin.H{"projects": responses})
}

func (server *Server) handleGetProject(ctx *gin.Context) {
	identity, _ := getIdentity(ctx)
	view, err := server.service.GetProject(ctx.Request.Context(), identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, projectViewResponse(view))
}

type closeProjectRequest struct {
	Reason string `json:"reason"`
}

func (server *Server) handleCloseProject(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request closeProjectRequest
	// The body is optional; a bare POST closes without a reason.
	_ = ctx.ShouldBindJSON(&request)
	if err := server.service.CloseProject(ctx.Request.Context(), identity.AccountID, ctx.Param("id"), request.Reason); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": market.ProjectClosed})
}

// handleUnlock treats a duplicate unlock as success: retries and
// double-clicks must never read as failures or double-charges.
func (server *Server) handleUnlock(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	projectID := ctx.Param("id")
	grant, err := server.service.Unlock(ctx.Request.Context(), identity.AccountID, projectID)
	alreadyUnlocked := errors.Is(err, market.ErrAlreadyUnlocked)
	if err != nil && !alreadyUnlocked {
		server.respondError(ctx, err)
		return
	}
	balance, balanceErr := server.service.Balance(ctx.Request.Context(), identity.AccountID)
	if balanceErr != nil {
		server.respondError(ctx, balanceErr)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"project_id":       projectID,
		"already_unlocked": alreadyUnlocked,
		"transaction_id":   grant.TransactionID,
		"balance":          balance,
	})
}

func (server *Server) handleListProjectBids(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	bids, err := server.service.ListProjectBids(ctx.Request.Context(), identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"bids": bidResponses(bids)})
}

type submitBidRequest struct {
	AmountCents  int64  `json:"amount_cents"`
	Message      string `json:"message"`
	TimelineDays int    `json:"timeline_days"`
}

func (server *Server) handleSubmitBid(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request submitBidRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	bid, err := server.service.SubmitBid(ctx.Request.Context(), identity.AccountID, ctx.Param("id"), market.BidInput{
		AmountCents:  request.AmountCents,
		Message:      request.Message,
		TimelineDays: request.TimelineDays,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, bidResponseFrom(bid))
}

func (server *Server) handleAcceptBid(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	bid, err := server.service.AcceptBid(ctx.Request.Context(), identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, bidResponseFrom(bid))
}

func (server *Server) handleWithdrawBid(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	bid, err := server.service.WithdrawBid(ctx.Request.Context(), identity.AccountID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, bidResponseFrom(bid))
}

func (server *Server) handleDashboard(ctx *gin.Context) {
	identity, ok := getIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	dashboard, err := server.service.GetDashboard(ctx.Request.Context(), identity.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	unlocked := make([]gin.H, 0, len(dashboard.UnlockedProjects))
	for _, view := range dashboard.UnlockedProjects {
		unlocked = append(unlocked, projectViewResponse(view))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":           dashboard.Balance,
		"unlocked_projects": unlocked,
		"bids":              bidResponses(dashboard.Bids),
	})
}

type quoteTotalRequest struct {
	Items []lineItemRequest `json:"items"`
}

func (server *Server) handleQuoteTotal(ctx *gin.Context) {
	var request quoteTotalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	items := make([]market.QuoteLineItem, 0, len(request.Items))
	for _, item := range request.Items {
		items = append(items, market.QuoteLineItem{Description: item.Description, Quantity: item.Quantity, UnitCost: item.UnitCost})
	}
	totals := market.ComputeQuote(items)
	lineTotals := make([]string, 0, len(totals.LineTotalsCents))
	for _, cents := range totals.LineTotalsCents {
		lineTotals = append(lineTotals, market.FormatCents(cents))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"line_totals": lineTotals,
		"grand_total": market.FormatCents(totals.GrandTotalCents),
	})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, market.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, market.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, market.ErrProjectNotLive):
		return http.StatusConflict, "project_not_live"
	case errors.Is(err, market.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, market.ErrDuplicateBid):
		return http.StatusConflict, "duplicate_bid"
	case errors.Is(err, market.ErrNotUnlocked):
		return http.StatusConflict, "not_unlocked"
	case errors.Is(err, market.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	}
	return http.StatusInternalServerError, "internal_error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func projectResponseFrom(project market.Project) gin.H {
	attachments := make([]gin.H, 0, len(project.Attachments))
	for _, attachment := range project.Attachments {
		attachments = append(attachments, gin.H{"ref": attachment.Ref, "is_main": attachment.IsMain})
	}
	lineItems := make([]gin.H, 0, len(project.LineItems))
	for _, item := range project.LineItems {
		lineItems = append(lineItems, gin.H{"description": item.Description, "quantity": item.Quantity, "unit_cost": item.UnitCost})
	}
	return gin.H{
		"project_id":         project.ProjectID,
		"owner_id":           project.OwnerID,
		"title":              project.Title,
		"description":        project.Description,
		"category":           project.Category,
		"location_city":      project.LocationCity,
		"location_state":     project.LocationState,
		"budget_cents":       project.BudgetCents,
		"status":             project.Status,
		"deadline_unix":      project.DeadlineUnixUTC,
		"created_unix":       project.CreatedUnixUTC,
		"attachments":        attachments,
		"line_items":         lineItems,
		"quote_document_ref": project.QuoteDocumentRef,
	}
}

func projectViewResponse(view market.ProjectView) gin.H {
	response := projectResponseFrom(view.Project)
	response["status"] = view.Status
	response["unlocked"] = view.Unlocked
	response["remaining_seconds"] = view.RemainingSeconds
	response["description_truncated"] = view.DescriptionTruncated
	return response
}

func transactionResponses(transactions []market.CreditTransaction) []gin.H {
	responses := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		responses = append(responses, gin.H{
			"transaction_id": transaction.TransactionID,
			"delta":          transaction.Delta,
			"reason":         transaction.Reason,
			"reference":      transaction.Reference,
			"created_unix":   transaction.CreatedUnixUTC,
		})
	}
	return responses
}

func bidResponses(bids []market.Bid) []gin.H {
	responses := make([]gin.H, 0, len(bids))
	for _, bid := range bids {
		responses = append(responses, bidResponseFrom(bid))
	}
	return responses
}

func bidResponseFrom(bid market.Bid) gin.H {
	return gin.H{
		"bid_id":        bid.BidID,
		"project_id":    bid.ProjectID,
		"contractor_id": bid.ContractorID,
		"amount_cents":  bid.AmountCents,
		"message":       bid.Message,
		"timeline_days": bid.TimelineDays,
		"status":        bid.Status,
		"created_unix":  bid.CreatedUnixUTC,
		"updated_unix":  bid.UpdatedUnixUTC,
	}
}
