package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
)

// DefaultAPIBaseURL is the Lemon Squeezy REST API endpoint.
const DefaultAPIBaseURL = "https://api.lemonsqueezy.com"

// CheckoutClient creates hosted checkout sessions via the Lemon Squeezy API.
type CheckoutClient struct {
	apiKey      string
	storeID     string
	baseURL     string
	redirectURL string
	client      *http.Client
	logger      *slog.Logger
}

// CheckoutOption customizes a CheckoutClient.
type CheckoutOption func(*CheckoutClient)

// WithAPIBaseURL overrides the API base URL (used by tests).
func WithAPIBaseURL(url string) CheckoutOption {
	return func(c *CheckoutClient) { c.baseURL = url }
}

// WithCheckoutHTTPClient overrides the underlying HTTP client.
func WithCheckoutHTTPClient(hc *http.Client) CheckoutOption {
	return func(c *CheckoutClient) { c.client = hc }
}

// NewCheckoutClient creates a Lemon Squeezy checkout client.
// redirectURL is where the buyer lands after a completed purchase.
func NewCheckoutClient(apiKey, storeID, redirectURL string, logger *slog.Logger, opts ...CheckoutOption) (*CheckoutClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("lemon squeezy API key is required")
	}
	if storeID == "" {
		return nil, fmt.Errorf("lemon squeezy store ID is required")
	}
	c := &CheckoutClient{
		apiKey:      apiKey,
		storeID:     storeID,
		baseURL:     DefaultAPIBaseURL,
		redirectURL: redirectURL,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c, nil
}

// checkoutRequest is the JSON:API payload for POST /v1/checkouts. The buyer's
// user ID rides along as custom data and comes back in webhook events.
type checkoutRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			CheckoutData struct {
				Email  string            `json:"email,omitempty"`
				Custom map[string]string `json:"custom"`
			} `json:"checkout_data"`
			ProductOptions struct {
				RedirectURL string `json:"redirect_url,omitempty"`
			} `json:"product_options"`
		} `json:"attributes"`
		Relationships struct {
			Store   relationship `json:"store"`
			Variant relationship `json:"variant"`
		} `json:"relationships"`
	} `json:"data"`
}

type relationship struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type checkoutResponse struct {
	Data struct {
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

// CreateCheckout creates a hosted checkout for the given variant and returns
// its URL.
func (c *CheckoutClient) CreateCheckout(ctx context.Context, userID uuid.UUID, email, variantID string) (string, error) {
	const op = "billing.create_checkout"

	var req checkoutRequest
	req.Data.Type = "checkouts"
	req.Data.Attributes.CheckoutData.Email = email
	req.Data.Attributes.CheckoutData.Custom = map[string]string{"user_id": userID.String()}
	req.Data.Attributes.ProductOptions.RedirectURL = c.redirectURL
	req.Data.Relationships.Store.Data.Type = "stores"
	req.Data.Relationships.Store.Data.ID = c.storeID
	req.Data.Relationships.Variant.Data.Type = "variants"
	req.Data.Relationships.Variant.Data.ID = variantID

	body, err := json.Marshal(req)
	if err != nil {
		return "", domain.Internal(err, op, "failed to build checkout request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return "", domain.Internal(err, op, "failed to build checkout request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/vnd.api+json")
	httpReq.Header.Set("Content-Type", "application/vnd.api+json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", domain.Unavailable(err, op, "Checkout is temporarily unavailable.")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("lemon squeezy status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 500 {
			return "", domain.Unavailable(err, op, "Checkout is temporarily unavailable.")
		}
		return "", domain.Internal(err, op, "checkout creation rejected")
	}

	var parsed checkoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.Internal(err, op, "failed to decode checkout response")
	}
	if parsed.Data.Attributes.URL == "" {
		return "", domain.Internal(nil, op, "checkout response carried no URL")
	}

	c.logger.Debug("checkout created", "user_id", userID, "variant_id", variantID)
	return parsed.Data.Attributes.URL, nil
}
