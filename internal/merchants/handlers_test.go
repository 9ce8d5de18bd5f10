package merchants

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(NewService(NewMemoryStore())).RegisterRoutes(router.Group("/v1"))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterSanitizesDisplayName(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(t, router, "/v1/merchants", gin.H{
		"user_id":      "user_1",
		"display_name": "  Lagos Cash\x00 Desk  ",
		"kind":         "merchant",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Merchant Merchant `json:"merchant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Merchant.DisplayName != "Lagos Cash Desk" {
		t.Fatalf("display name = %q, want whitespace trimmed and null bytes stripped", resp.Merchant.DisplayName)
	}
}

func TestRegisterRejectsOverlongDisplayName(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(t, router, "/v1/merchants", gin.H{
		"user_id":      "user_1",
		"display_name": strings.Repeat("x", 101),
		"kind":         "merchant",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(t, router, "/v1/merchants", gin.H{
		"user_id":      "user_1",
		"display_name": "Desk",
		"kind":         "courier",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
