package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/config"
	"github.com/mbd888/farmart/internal/mpesa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		CommissionRate:     0.02,
		EscrowReleaseDelay: 72 * time.Hour,
		EscrowSweepEvery:   time.Minute,
		MpesaBaseURL:       "https://sandbox.safaricom.co.ke",
		MpesaShortcode:     "174379",
	}
}

// newTestServer creates a server with in-memory storage and a stub gateway
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithGateway(mpesa.NewStubGateway()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	// The sweep hasn't started (Run not called) so health reports degraded,
	// but the endpoint itself must respond.
	if w.Code != http.StatusOK && w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 200 or 503, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] == nil {
		t.Error("Expected status field in health response")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/listings",
		"GET:/v1/listings/:id",
		"POST:/v1/listings",
		"POST:/v1/auth/register",
		"POST:/v1/orders",
		"POST:/v1/orders/:id/confirm",
		"POST:/v1/orders/:id/pay",
		"POST:/v1/mpesa/callback",
		"GET:/v1/orders/:id/escrow",
		"POST:/v1/orders/:id/dispute",
		"GET:/v1/me/cart",
		"GET:/v1/me/webhooks",
		"GET:/v1/me/keys",
		"GET:/v1/me",
		"GET:/v1/admin/disputes",
		"POST:/v1/admin/disputes/:id/resolve",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration flow test
// ---------------------------------------------------------------------------

func TestUserRegistration(t *testing.T) {
	s := newTestServer(t)

	body := `{"phoneNumber":"0712345678","name":"Wanjiku","role":"farmer"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	apiKey, _ := resp["apiKey"].(string)
	if apiKey == "" {
		t.Fatal("Expected apiKey in registration response")
	}

	// The issued key works against a protected route.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for /v1/me with fresh key, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/me", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	s := newTestServer(t)

	// Register a buyer
	body := `{"phoneNumber":"0712345679","name":"Otieno","role":"buyer"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	apiKey, _ := resp["apiKey"].(string)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/disputes", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
