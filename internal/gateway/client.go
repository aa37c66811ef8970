package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-service/internal/config"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultTimeoutMs = 10_000

// Preference is a gateway-side checkout session. The client is redirected to
// CheckoutURL to complete the payment.
type Preference struct {
	CheckoutURL       string
	ExternalReference uuid.UUID
}

type Client struct {
	baseURL         string
	accessToken     string
	notificationURL string
	client          *http.Client
	logger          *slog.Logger
}

func NewClient(cfg config.Gateway, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		accessToken:     cfg.AccessToken,
		notificationURL: cfg.NotificationURL,
		client:          &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:          logger,
	}
}

type preferenceRequest struct {
	ExternalReference string          `json:"external_reference"`
	Description       string          `json:"description"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	Payer             preferencePayer `json:"payer"`
	NotificationURL   string          `json:"notification_url,omitempty"`
}

type preferencePayer struct {
	Email string `json:"email"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreatePreference asks the gateway for a checkout session. Provider or
// network failures surface as errors the caller may retry; nothing is
// persisted here.
func (c *Client) CreatePreference(ctx context.Context, externalReference uuid.UUID, amount int64, currency, description, payerEmail string) (*Preference, error) {
	body, err := json.Marshal(preferenceRequest{
		ExternalReference: externalReference.String(),
		Description:       description,
		Amount:            amount,
		Currency:          currency,
		Payer:             preferencePayer{Email: payerEmail},
		NotificationURL:   c.notificationURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshalling preference request")
	}

	url := c.baseURL + "/v1/preferences"
	c.logger.InfoContext(ctx, "Creating checkout preference", "externalReference", externalReference)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, errors.Wrap(err, "creating preference request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sending preference request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading preference response")
	}

	if resp.StatusCode >= 400 {
		c.logger.ErrorContext(ctx, "Gateway rejected preference request", "status", resp.Status, "body", string(respBody))
		return nil, errors.Errorf("gateway error response: %s", resp.Status)
	}

	var prefResp preferenceResponse
	if err := json.Unmarshal(respBody, &prefResp); err != nil {
		return nil, errors.Wrap(err, "unmarshalling preference response")
	}

	c.logger.InfoContext(ctx, "Created checkout preference", "externalReference", externalReference, "preferenceId", prefResp.ID)

	return &Preference{
		CheckoutURL:       prefResp.InitPoint,
		ExternalReference: externalReference,
	}, nil
}
