package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"kasirinaja/inventory/internal/domain"
	"kasirinaja/inventory/internal/service"
	"kasirinaja/inventory/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)
	repo := memory.NewSeeded()
	svc := service.New(service.Dependencies{Repo: repo, Logger: log}, service.DefaultSettings())
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", log)
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("csrf-token endpoint returned status %d", res.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode csrf-token response failed: %v", err)
	}
	if strings.TrimSpace(payload["csrf_token"]) == "" {
		t.Fatalf("expected non-empty csrf_token in response")
	}
	return payload["csrf_token"]
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

// doJSON sends an authenticated request; mutating methods carry a fresh CSRF token.
func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

type orderEnvelope struct {
	Order     domain.Order `json:"order"`
	Duplicate bool         `json:"duplicate"`
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	payload, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string][]domain.Product](t, rec)
	if len(body["products"]) == 0 {
		t.Fatalf("expected seeded products, got %v", body)
	}
}

func TestStockInThenAvailabilityAndHistory(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/stock/in", token, domain.StockInRequest{
		ProductID:     "PRD-KOPI-01",
		Quantity:      30,
		BatchCode:     "KOPI-0626",
		ExpiryDate:    time.Now().UTC().AddDate(0, 3, 0).Format(time.DateOnly),
		PurchasePrice: decimal.NewFromInt(900),
		SellingPrice:  decimal.NewFromInt(1500),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock/availability?product_id=PRD-KOPI-01", token, nil)
	avail := decodeBody[domain.AvailabilityResponse](t, rec)
	if avail.Available != 150 {
		t.Fatalf("expected 150 available, got %d", avail.Available)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock/history?product_id=PRD-KOPI-01&limit=1", token, nil)
	page := decodeBody[domain.LedgerPage](t, rec)
	if len(page.Entries) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one entry and a cursor, got %+v", page)
	}
	if page.Entries[0].QuantityDelta != 30 {
		t.Fatalf("newest entry should be the stock-in, got %+v", page.Entries[0])
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock/history?product_id=PRD-KOPI-01&before=not-a-cursor", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", rec.Code)
	}
}

func TestOnlineOrderLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", token, domain.CreateOrderRequest{
		Channel: domain.ChannelOnline,
		Items:   []domain.OrderItemRequest{{ProductID: "PRD-SUSU-01", Quantity: 4}},
		Payment: domain.PaymentRequest{Method: domain.PaymentQRIS},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[orderEnvelope](t, rec).Order
	if created.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+created.ID+"/process", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+created.ID+"/confirm", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[orderEnvelope](t, rec).Order.Status; got != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+created.ID+"/cancel", token, domain.CancelOrderRequest{Reason: "too late"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling a completed order, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/orders/"+created.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order failed: %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodGet, "/api/v1/orders/ord_missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+created.ID+"/refund", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	req := domain.CreateOrderRequest{
		Channel:        domain.ChannelInPerson,
		IdempotencyKey: "counter-1-0001",
		Items:          []domain.OrderItemRequest{{ProductID: "PRD-ROTI-01", Quantity: 2}},
		Payment:        domain.PaymentRequest{Method: domain.PaymentCash, CashReceived: decimal.NewFromInt(10000)},
	}

	first := doJSON(t, api, http.MethodPost, "/api/v1/orders", token, req)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", first.Code, first.Body.String())
	}
	second := doJSON(t, api, http.MethodPost, "/api/v1/orders", token, req)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", second.Code)
	}
	a, b := decodeBody[orderEnvelope](t, first), decodeBody[orderEnvelope](t, second)
	if !b.Duplicate || a.Order.ID != b.Order.ID {
		t.Fatalf("expected replay of %s, got %+v", a.Order.ID, b)
	}
}

func TestCreateOrderErrorsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", token, domain.CreateOrderRequest{
		Channel: domain.ChannelInPerson,
		Items:   []domain.OrderItemRequest{{ProductID: "PRD-GULA-01", Quantity: 500}},
		Payment: domain.PaymentRequest{Method: domain.PaymentCash, CashReceived: decimal.NewFromInt(10_000_000)},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d", rec.Code)
	}

	raw := `{"channel":"IN_PERSON","items":[],"payment":{"method":"cash"},"surprise":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestAdminStockMaintenanceEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/stock/out", token, domain.StockOutRequest{ProductID: "PRD-TELUR-01", Quantity: 5, Direction: domain.DirectionOut})
	if rec.Code != http.StatusOK {
		t.Fatalf("stock out failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/stock/adjust", token, domain.AdjustStockRequest{ProductID: "PRD-TELUR-01", Delta: 0, Reason: "noop"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero delta, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/stock/expiry-sweep", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep failed: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[domain.SweepResult](t, rec); got.ProcessedCount != 0 {
		t.Fatalf("seeded stock has no expiry, swept %d", got.ProcessedCount)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock/reconcile?product_id=PRD-TELUR-01", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile failed: %d", rec.Code)
	}
	if report := decodeBody[domain.ReconcileReport](t, rec); !report.OK {
		t.Fatalf("expected ledger to reconcile, got %+v", report)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock?status=low_stock", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list stock failed: %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodGet, "/api/v1/stock?offset=-1", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative offset, got %d", rec.Code)
	}
}
