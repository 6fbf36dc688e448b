package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/transaction"
)

func setupTestRouter() (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)

	f := newFixture()
	r := gin.New()
	NewHandler(f.service).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OpenAndGetAccount(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/accounts", map[string]any{
		"userId":         "user-1",
		"accountType":    "CHECKING",
		"currency":       "EUR",
		"initialBalance": "250.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Account struct {
			ID      string `json:"id"`
			Balance string `json:"balance"`
		} `json:"account"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Account.Balance != "250" {
		t.Errorf("Expected balance 250, got %s", created.Account.Balance)
	}

	w = doJSON(router, http.MethodGet, "/v1/accounts/"+created.Account.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/v1/accounts/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_OpenAccountValidation(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/accounts", map[string]any{
		"userId":      "user-1",
		"accountType": "PIGGY",
		"currency":    "EUR",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DeactivateAndClose(t *testing.T) {
	router, f := setupTestRouter()
	acct := f.account(t, "5", "EUR")

	w := doJSON(router, http.MethodPatch, "/v1/accounts/"+acct.ID, map[string]any{"isActive": false})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, http.MethodDelete, "/v1/accounts/"+acct.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for nonzero balance, got %d", w.Code)
	}
}

func TestHandler_Settle(t *testing.T) {
	router, f := setupTestRouter()
	acct := f.account(t, "100", "EUR")
	ev := f.event(acct.ID, transaction.TypeDebit, "40", "EUR", time.Now())

	w := doJSON(router, http.MethodPost, "/v1/transactions/"+ev.ID+"/settle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Settlement Outcome `json:"settlement"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Settlement.Status != transaction.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", resp.Settlement.Status)
	}

	w = doJSON(router, http.MethodPost, "/v1/transactions/"+ev.ID+"/settle", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second settle, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/v1/transactions/missing/settle", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_Sweep(t *testing.T) {
	router, f := setupTestRouter()
	acct := f.account(t, "100", "EUR")
	f.event(acct.ID, transaction.TypeCredit, "1", "EUR", time.Now().Add(-time.Hour))
	f.event(acct.ID, transaction.TypeDebit, "500", "EUR", time.Now().Add(-time.Hour))

	w := doJSON(router, http.MethodPost, "/v1/settlements/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res SweepResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Completed != 1 || res.Failed != 1 {
		t.Errorf("Expected 1 completed and 1 failed, got %+v", res)
	}

	w = doJSON(router, http.MethodPost, "/v1/settlements/sweep", map[string]any{"limit": -1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", w.Code)
	}
}
