package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/billing"
)

func newBillingFixture(t *testing.T) (*BillingHandler, *httptest.Server) {
	t.Helper()

	// Fake Lemon Squeezy API that hands back a checkout URL.
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkouts", r.URL.Path)
		require.Equal(t, "application/vnd.api+json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"attributes": {"url": "https://pixlift.lemonsqueezy.com/checkout/buy/abc"}}}`))
	}))
	t.Cleanup(fake.Close)

	catalog := billing.NewCatalog(billing.CatalogConfig{
		VariantStarter:  "101",
		VariantPopular:  "102",
		VariantPro:      "103",
		VariantBasicSub: "201",
		VariantProSub:   "202",
	})
	checkout, err := billing.NewCheckoutClient("key", "store_1", "https://pixlift.app/account", discardLogger(),
		billing.WithAPIBaseURL(fake.URL))
	require.NoError(t, err)

	return NewBillingHandler(catalog, checkout, discardLogger()), fake
}

func TestGetCatalog(t *testing.T) {
	h, _ := newBillingFixture(t)

	rec := httptest.NewRecorder()
	h.GetCatalog(rec, httptest.NewRequest("GET", "/api/billing/catalog", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Packages []catalogItem `json:"packages"`
		Plans    []catalogItem `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Packages, 3)
	require.Len(t, resp.Plans, 2)
	assert.Equal(t, "starter", resp.Packages[0].Key)
	assert.Equal(t, int64(40), resp.Packages[0].Credits)
	assert.Equal(t, "basic", resp.Plans[0].Key)
	assert.Equal(t, int64(200), resp.Plans[0].Credits)
}

func TestCreateCheckoutRequiresAuth(t *testing.T) {
	h, _ := newBillingFixture(t)

	req := httptest.NewRequest("POST", "/api/billing/checkout", strings.NewReader(`{"type": "credits", "plan": "starter"}`))
	rec := httptest.NewRecorder()
	h.CreateCheckout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCheckoutForPackage(t *testing.T) {
	h, _ := newBillingFixture(t)

	body := `{"type": "credits", "plan": "popular"}`
	req := authenticated(httptest.NewRequest("POST", "/api/billing/checkout", strings.NewReader(body)), testUser())
	rec := httptest.NewRecorder()
	h.CreateCheckout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://pixlift.lemonsqueezy.com/checkout/buy/abc", resp["checkout_url"])
}

func TestCreateCheckoutValidation(t *testing.T) {
	h, _ := newBillingFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown package", `{"type": "credits", "plan": "mega"}`},
		{"unknown plan", `{"type": "subscription", "plan": "enterprise"}`},
		{"bad type", `{"type": "donation", "plan": "starter"}`},
		{"malformed", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authenticated(httptest.NewRequest("POST", "/api/billing/checkout", strings.NewReader(tt.body)), testUser())
			rec := httptest.NewRecorder()
			h.CreateCheckout(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
