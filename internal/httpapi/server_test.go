package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hearthbid/marketplace/internal/httpapi"
	"github.com/hearthbid/marketplace/internal/store/gormstore"
	"github.com/hearthbid/marketplace/pkg/market"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "hearthbid"
	ownerID        = "owner-1"
	contractorID   = "contractor-1"
)

func newTestRouter(test *testing.T) http.Handler {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/market.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := market.NewService(gormstore.New(database), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	cfg := httpapi.Config{
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testIssuer,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate config: %v", err)
	}
	return httpapi.New(service, zap.NewNop(), cfg).Router()
}

func signSession(test *testing.T, accountID string, role market.Role, name string) string {
	test.Helper()
	claims := jwt.MapClaims{
		"iss":  testIssuer,
		"sub":  accountID,
		"role": string(role),
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign session: %v", err)
	}
	return token
}

func doJSON(test *testing.T, router http.Handler, method string, path string, token string, payload any) (int, map[string]any) {
	test.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code, decoded
}

func TestHealthEndpoint(test *testing.T) {
	router := newTestRouter(test)
	status, body := doJSON(test, router, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		test.Fatalf("unexpected health response %d %v", status, body)
	}
}

func TestAPIRejectsMissingSession(test *testing.T) {
	router := newTestRouter(test)
	status, _ := doJSON(test, router, http.MethodGet, "/api/wallet", "", nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", status)
	}
}

func TestAPIRejectsForgedSession(test *testing.T) {
	router := newTestRouter(test)
	claims := jwt.MapClaims{"iss": testIssuer, "sub": "mallory", "role": "contractor"}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-key"))
	if err != nil {
		test.Fatalf("sign forged session: %v", err)
	}
	status, _ := doJSON(test, router, http.MethodGet, "/api/wallet", forged, nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 for forged token, got %d", status)
	}
}

func TestMarketplaceFlow(test *testing.T) {
	router := newTestRouter(test)
	ownerToken := signSession(test, ownerID, market.RoleHomeowner, "Sam Owner")
	contractorToken := signSession(test, contractorID, market.RoleContractor, "Pat Builder")

	// First contact bootstraps the contractor with starter credits.
	status, body := doJSON(test, router, http.MethodGet, "/api/wallet", contractorToken, nil)
	if status != http.StatusOK {
		test.Fatalf("wallet: %d %v", status, body)
	}
	if balance := int64(body["balance"].(float64)); balance != market.StarterCredits {
		test.Fatalf("expected starter balance %d, got %d", market.StarterCredits, balance)
	}

	status, body = doJSON(test, router, http.MethodPost, "/api/projects", ownerToken, map[string]any{
		"title":            "Kitchen remodel",
		"description":      "Full gut renovation",
		"category":         "kitchen",
		"location_city":    "Austin",
		"location_state":   "TX",
		"budget_cents":     15_000_00,
		"bid_window_value": 3,
		"bid_window_unit":  "days",
	})
	if status != http.StatusCreated {
		test.Fatalf("create project: %d %v", status, body)
	}
	projectID := body["project_id"].(string)

	// A contractor without a grant sees the redacted view.
	status, body = doJSON(test, router, http.MethodGet, "/api/projects/"+projectID, contractorToken, nil)
	if status != http.StatusOK {
		test.Fatalf("get project: %d %v", status, body)
	}
	if body["unlocked"].(bool) {
		test.Fatal("expected locked view before unlock")
	}

	status, body = doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/unlock", contractorToken, nil)
	if status != http.StatusOK {
		test.Fatalf("unlock: %d %v", status, body)
	}
	if body["already_unlocked"].(bool) {
		test.Fatal("first unlock must spend")
	}
	if balance := int64(body["balance"].(float64)); balance != market.StarterCredits-market.UnlockCost {
		test.Fatalf("expected balance %d, got %d", market.StarterCredits-market.UnlockCost, balance)
	}

	// Double-click safety: the repeat unlock reads as success, no charge.
	status, body = doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/unlock", contractorToken, nil)
	if status != http.StatusOK || !body["already_unlocked"].(bool) {
		test.Fatalf("repeat unlock: %d %v", status, body)
	}
	if balance := int64(body["balance"].(float64)); balance != market.StarterCredits-market.UnlockCost {
		test.Fatalf("repeat unlock must not charge, balance %d", balance)
	}

	status, body = doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/bids", contractorToken, map[string]any{
		"amount_cents":  12_500_00,
		"message":       "Can start Monday",
		"timeline_days": 21,
	})
	if status != http.StatusCreated {
		test.Fatalf("submit bid: %d %v", status, body)
	}
	bidID := body["bid_id"].(string)

	// Duplicate bid conflicts.
	status, body = doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/bids", contractorToken, map[string]any{
		"amount_cents":  12_000_00,
		"timeline_days": 14,
	})
	if status != http.StatusConflict {
		test.Fatalf("expected 409 for duplicate bid, got %d %v", status, body)
	}

	// Only the owner lists bids.
	status, _ = doJSON(test, router, http.MethodGet, "/api/projects/"+projectID+"/bids", contractorToken, nil)
	if status != http.StatusForbidden {
		test.Fatalf("expected 403 for contractor listing bids, got %d", status)
	}

	status, body = doJSON(test, router, http.MethodPost, "/api/bids/"+bidID+"/accept", ownerToken, nil)
	if status != http.StatusOK {
		test.Fatalf("accept bid: %d %v", status, body)
	}
	if body["status"] != string(market.BidAccepted) {
		test.Fatalf("expected accepted bid, got %v", body["status"])
	}

	status, body = doJSON(test, router, http.MethodGet, "/api/projects/"+projectID, ownerToken, nil)
	if status != http.StatusOK {
		test.Fatalf("get project after accept: %d %v", status, body)
	}
	if body["status"] != string(market.ProjectClosed) {
		test.Fatalf("expected closed project, got %v", body["status"])
	}

	// Bidding on a closed project conflicts.
	otherToken := signSession(test, "contractor-2", market.RoleContractor, "Riley")
	status, _ = doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/unlock", otherToken, nil)
	if status != http.StatusConflict {
		test.Fatalf("expected 409 unlocking a closed project, got %d", status)
	}
}

func TestListProjectsRedactsForViewersWithoutGrants(test *testing.T) {
	router := newTestRouter(test)
	ownerToken := signSession(test, ownerID, market.RoleHomeowner, "Sam Owner")
	contractorToken := signSession(test, contractorID, market.RoleContractor, "Pat Builder")

	longDescription := ""
	for len(longDescription) < 400 {
		longDescription += "Replace cabinets, counters, and flooring throughout. "
	}
	status, body := doJSON(test, router, http.MethodPost, "/api/projects", ownerToken, map[string]any{
		"title":            "Kitchen remodel",
		"description":      longDescription,
		"category":         "kitchen",
		"location_city":    "Austin",
		"location_state":   "TX",
		"budget_cents":     15_000_00,
		"bid_window_value": 3,
		"bid_window_unit":  "days",
		"attachments": []map[string]any{
			{"ref": "main.jpg", "is_main": true},
			{"ref": "detail.jpg"},
		},
		"line_items": []map[string]any{
			{"description": "Cabinets", "quantity": "10", "unit_cost": "450.00"},
		},
		"quote_document_ref": "quote-7",
	})
	if status != http.StatusCreated {
		test.Fatalf("create project: %d %v", status, body)
	}

	// The browse list must not leak full details to a contractor who has
	// not spent a credit on the project.
	status, body = doJSON(test, router, http.MethodGet, "/api/projects", contractorToken, nil)
	if status != http.StatusOK {
		test.Fatalf("list projects: %d %v", status, body)
	}
	projects := body["projects"].([]any)
	if len(projects) != 1 {
		test.Fatalf("expected one listed project, got %d", len(projects))
	}
	listed := projects[0].(map[string]any)
	if listed["unlocked"].(bool) {
		test.Fatal("expected locked entry in the list")
	}
	if !listed["description_truncated"].(bool) {
		test.Fatal("expected truncated description in the list")
	}
	if len(listed["description"].(string)) >= len(longDescription) {
		test.Fatal("expected a shortened description preview")
	}
	if items := listed["line_items"].([]any); len(items) != 0 {
		test.Fatalf("expected no line items before unlock, got %d", len(items))
	}
	if ref := listed["quote_document_ref"].(string); ref != "" {
		test.Fatalf("expected hidden quote document, got %q", ref)
	}
	attachments := listed["attachments"].([]any)
	if len(attachments) != 1 {
		test.Fatalf("expected only the main attachment, got %d", len(attachments))
	}
	if ref := attachments[0].(map[string]any)["ref"].(string); ref != "main.jpg" {
		test.Fatalf("expected main attachment, got %q", ref)
	}

	// The owner browsing the same list sees everything.
	status, body = doJSON(test, router, http.MethodGet, "/api/projects", ownerToken, nil)
	if status != http.StatusOK {
		test.Fatalf("list projects as owner: %d %v", status, body)
	}
	owned := body["projects"].([]any)[0].(map[string]any)
	if !owned["unlocked"].(bool) {
		test.Fatal("expected the owner to see the unlocked view")
	}
	if items := owned["line_items"].([]any); len(items) != 1 {
		test.Fatalf("expected the owner to see line items, got %d", len(items))
	}
	if len(owned["attachments"].([]any)) != 2 {
		test.Fatal("expected the owner to see both attachments")
	}

	status, _ = doJSON(test, router, http.MethodGet, "/api/projects", "", nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 listing without a session, got %d", status)
	}
}

func TestInsufficientCreditsIsPaymentRequired(test *testing.T) {
	router := newTestRouter(test)
	ownerToken := signSession(test, ownerID, market.RoleHomeowner, "Sam")
	contractorToken := signSession(test, contractorID, market.RoleContractor, "Pat")

	projectIDs := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		status, body := doJSON(test, router, http.MethodPost, "/api/projects", ownerToken, map[string]any{
			"title":    "Fence repair",
			"category": "other",
		})
		if status != http.StatusCreated {
			test.Fatalf("create project: %d %v", status, body)
		}
		projectIDs = append(projectIDs, body["project_id"].(string))
	}

	for index, projectID := range projectIDs {
		status, body := doJSON(test, router, http.MethodPost, "/api/projects/"+projectID+"/unlock", contractorToken, nil)
		if index < int(market.StarterCredits) {
			if status != http.StatusOK {
				test.Fatalf("unlock %d: %d %v", index, status, body)
			}
			continue
		}
		if status != http.StatusPaymentRequired {
			test.Fatalf("expected 402 once credits run out, got %d %v", status, body)
		}
	}

	// A purchase restores the ability to unlock.
	status, body := doJSON(test, router, http.MethodPost, "/api/purchases", contractorToken, map[string]any{"credits": 5})
	if status != http.StatusOK {
		test.Fatalf("purchase: %d %v", status, body)
	}
	status, body = doJSON(test, router, http.MethodPost, "/api/projects/"+projectIDs[3]+"/unlock", contractorToken, nil)
	if status != http.StatusOK {
		test.Fatalf("unlock after purchase: %d %v", status, body)
	}
}

func TestQuoteTotalEndpoint(test *testing.T) {
	router := newTestRouter(test)
	token := signSession(test, ownerID, market.RoleHomeowner, "Sam")

	status, body := doJSON(test, router, http.MethodPost, "/api/quotes/total", token, map[string]any{
		"items": []map[string]any{
			{"description": "fixtures", "quantity": "2", "unit_cost": "10.005"},
			{"description": "labor", "quantity": "1", "unit_cost": "abc"},
		},
	})
	if status != http.StatusOK {
		test.Fatalf("quote total: %d %v", status, body)
	}
	if body["grand_total"] != "20.01" {
		test.Fatalf("expected grand total 20.01, got %v", body["grand_total"])
	}
	lineTotals := body["line_totals"].([]any)
	if len(lineTotals) != 2 || lineTotals[0] != "20.01" || lineTotals[1] != "0.00" {
		test.Fatalf("unexpected line totals %v", lineTotals)
	}
}
