package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelier-market/atelier/internal/auth"
)

func TestAuthorizeRequestRejectsInvalidSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/checkout/balance", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessions{err: auth.ErrInvalidSessionToken},
		logger:   zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestAuthorizeRequestSetsIdentityContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/checkout/balance", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessions{claims: auth.SessionClaims{
			UserID:        testBuyerID,
			WalletAddress: testBuyerWallet,
		}},
		logger: zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed")
	}
	if got := ctx.GetString(userIDContextKey); got != testBuyerID {
		t.Fatalf("expected user id %q, got %q", testBuyerID, got)
	}
	if got := ctx.GetString(walletContextKey); got != testBuyerWallet {
		t.Fatalf("expected wallet %q, got %q", testBuyerWallet, got)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnvironment(t)

	// Swap in a failing session validator by rebuilding the handler.
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:  stubSessions{err: errors.New("no session")},
		Intents:   env.intents,
		Purchases: env.purchases,
		Tiers:     env.tiers,
		Catalog:   env.catalog,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	for _, path := range []string{"/checkout/intents/abc", "/purchases/abc", "/tiers/progress"} {
		recorder := getPath(t, handler, path)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 on %s, got %d", path, recorder.Code)
		}
	}

	// Health stays public.
	if recorder := getPath(t, handler, "/healthz"); recorder.Code != http.StatusOK {
		t.Fatalf("expected public health endpoint, got %d", recorder.Code)
	}
}
