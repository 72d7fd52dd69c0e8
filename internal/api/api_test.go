package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/rail"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	testKID         = "test-key"
	testInternalKey = "internal-secret"
	testAudience    = "escrow-api"
)

type cardRailStub struct {
	mu  sync.Mutex
	seq int
}

func (r *cardRailStub) Method() domain.PaymentMethod { return domain.PaymentMethodStripe }

func (r *cardRailStub) next() rail.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return rail.Result{Method: domain.PaymentMethodStripe, Reference: fmt.Sprintf("pi_%d", r.seq), Confirmed: true}
}

func (r *cardRailStub) Capture(ctx context.Context, req rail.CaptureRequest) (rail.Result, error) {
	return r.next(), nil
}

func (r *cardRailStub) Payout(ctx context.Context, req rail.PayoutRequest) (rail.Result, error) {
	return r.next(), nil
}

func (r *cardRailStub) Refund(ctx context.Context, req rail.RefundRequest) (rail.Result, error) {
	return r.next(), nil
}

type fixedLimiter struct {
	decision app.ThrottleDecision
}

func (l fixedLimiter) ConsumeOfferSubmission(ctx context.Context, buyerID, propertyID uuid.UUID, limits app.OfferLimits) (app.ThrottleDecision, error) {
	return l.decision, nil
}

type apiHarness struct {
	t        *testing.T
	key      *rsa.PrivateKey
	server   *httptest.Server
	repo     *store.MemoryRepository
	seller   uuid.UUID
	buyer    uuid.UUID
	property uuid.UUID
}

func newAPIHarness(t *testing.T, limiter app.OfferThrottle, cfg app.Config) *apiHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKID,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	repo := store.NewMemoryRepository()
	h := &apiHarness{t: t, key: key, repo: repo, seller: uuid.New(), buyer: uuid.New(), property: uuid.New()}
	require.NoError(t, repo.UpsertProperty(context.Background(), &domain.Property{
		ID: h.property, SellerID: h.seller, Price: 500000, Status: domain.PropertyActive,
	}))

	deps := app.Deps{
		Repo:   repo,
		Rails:  rail.NewRegistry(&cardRailStub{}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	svc := app.NewService(deps, cfg)

	router := EscrowRoutes(NewEscrowHandlers(svc), AuthConfig{JWKSURL: jwks.URL, Audience: testAudience}, testInternalKey, []string{"*"})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func (h *apiHarness) token(sub string, claims jwt.MapClaims) string {
	h.t.Helper()
	all := jwt.MapClaims{
		"sub": sub,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		all[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, all)
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(h.key)
	require.NoError(h.t, err)
	return signed
}

func (h *apiHarness) do(method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (h *apiHarness) offerBody(amount int64) map[string]interface{} {
	return map[string]interface{}{
		"property_id":    h.property,
		"offer_amount":   amount,
		"earnest_money":  amount / 100,
		"financing_type": "cash",
		"closing_date":   time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"contingencies":  []string{"inspection"},
		"payment_method": "stripe",
	}
}

func TestHealthIsPublicAndUserRoutesNeedToken(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/offers", "", h.offerBody(500000))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenWithWrongAudienceIsRejected(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})

	token := h.token(h.buyer.String(), jwt.MapClaims{"aud": "someone-else"})
	resp, _ := h.do(http.MethodGet, "/offers", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNonUUIDSubjectIsRejected(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})

	resp, _ := h.do(http.MethodGet, "/offers", h.token("user_2abc", nil), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOfferToEscrowOverHTTP(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})
	buyerToken := h.token(h.buyer.String(), jwt.MapClaims{"role": "buyer"})
	sellerToken := h.token(h.seller.String(), jwt.MapClaims{"public_metadata": map[string]interface{}{"role": "seller"}})

	resp, offer := h.do(http.MethodPost, "/offers", buyerToken, h.offerBody(500000))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "pending", offer["status"])
	offerID := offer["id"].(string)

	// The buyer cannot answer their own offer.
	resp, _ = h.do(http.MethodPost, "/offers/"+offerID+"/respond", buyerToken, map[string]string{"decision": "accept"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, outcome := h.do(http.MethodPost, "/offers/"+offerID+"/respond", sellerToken, map[string]string{"decision": "accept"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txn := outcome["transaction"].(map[string]interface{})
	require.Equal(t, float64(15000), txn["platform_fee"])
	require.Equal(t, float64(485000), txn["seller_amount"])
	txID := txn["id"].(string)

	resp, captured := h.do(http.MethodPost, "/transactions/"+txID+"/capture", buyerToken, map[string]string{"payer_reference": "pm_card_visa"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "escrow", captured["status"])

	resp, status := h.do(http.MethodGet, "/transactions/"+txID+"/escrow", sellerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, status["release_eligible"])

	stranger := h.token(uuid.NewString(), nil)
	resp, _ = h.do(http.MethodGet, "/transactions/"+txID+"/escrow", stranger, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Only an admin may unwind a funded escrow.
	resp, _ = h.do(http.MethodPost, "/transactions/"+txID+"/cancel", buyerToken, map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitOfferRateLimitedSetsRetryAfter(t *testing.T) {
	h := newAPIHarness(t, fixedLimiter{decision: app.ThrottleDecision{Scope: app.ThrottleScopeListing, RetryAfterSeconds: 42}}, app.Config{OfferSubmitRateLimit: 3})

	resp, body := h.do(http.MethodPost, "/offers", h.token(h.buyer.String(), nil), h.offerBody(500000))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "42", resp.Header.Get("Retry-After"))
	require.Contains(t, body["error"], "rate limited")
}

func TestQuoteFeesEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})
	token := h.token(h.buyer.String(), nil)

	resp, split := h.do(http.MethodGet, "/fees/quote?amount=500000", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(15000), split["platform_fee"])
	require.Equal(t, float64(485000), split["seller_amount"])

	resp, _ = h.do(http.MethodGet, "/fees/quote?amount=lots", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInternalRailEventsRequireKey(t *testing.T) {
	h := newAPIHarness(t, nil, app.Config{})

	post := func(key string, body string) int {
		req, err := http.NewRequest(http.MethodPost, h.server.URL+"/internal/rail-events", bytes.NewBufferString(body))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("X-Internal-API-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, post("", "{}"))
	require.Equal(t, http.StatusUnauthorized, post("wrong", "{}"))
	require.Equal(t, http.StatusBadRequest, post(testInternalKey, "{not json"))

	unknown := fmt.Sprintf(`{"transaction_id":%q,"rail":"stripe","stage":"capture","reference":"pi_unknown"}`, uuid.NewString())
	require.Equal(t, http.StatusNotFound, post(testInternalKey, unknown))
}

func TestInternalAuthMiddlewareDisabledWithoutKey(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when the internal key is unset")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/rail-events", nil)
	req.Header.Set("X-Internal-API-Key", "anything")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", domain.ErrValidation), http.StatusBadRequest},
		{domain.ErrNotAuthorized, http.StatusForbidden},
		{domain.ErrVerificationRequired, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrAlreadyReleased, http.StatusConflict},
		{domain.ErrDuplicateRailReference, http.StatusConflict},
		{domain.ErrTooEarly, http.StatusTooEarly},
		{domain.ErrPaymentDeclined, http.StatusPaymentRequired},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
		{fmt.Errorf("%w: %w", domain.ErrRefundFailed, rail.ErrTransient), http.StatusBadGateway},
		{domain.ErrPayoutFailed, http.StatusBadGateway},
		{&app.RateLimitError{RetryAfterSeconds: 3}, http.StatusTooManyRequests},
		{fmt.Errorf("dial: %w", rail.ErrTransient), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestActorFromClaimsRoles(t *testing.T) {
	id := uuid.New()

	actor, err := actorFromClaims(jwt.MapClaims{"sub": id.String(), "public_metadata": map[string]interface{}{"role": "Admin"}})
	require.NoError(t, err)
	require.Equal(t, domain.Actor{ID: id, Role: domain.RoleAdmin}, actor)

	actor, err = actorFromClaims(jwt.MapClaims{"sub": id.String(), "role": "superuser"})
	require.NoError(t, err)
	require.Equal(t, domain.RoleBuyer, actor.Role)

	_, err = actorFromClaims(jwt.MapClaims{})
	require.Error(t, err)
}
