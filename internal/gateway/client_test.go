package gateway

import (
	"context"
	"log/slog"
	"testing"

	"payment-service/internal/config"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func testClient() *Client {
	return NewClient(config.Gateway{
		BaseURL:         "http://gateway.example.com",
		AccessToken:     "token",
		NotificationURL: "http://localhost:8080/webhooks/payment",
		TimeoutMs:       1000,
	}, slog.Default())
}

func TestCreatePreference_Success(t *testing.T) {
	defer gock.Off()

	gock.New("http://gateway.example.com").
		Post("/v1/preferences").
		MatchHeader("Authorization", "Bearer token").
		Reply(201).
		JSON(map[string]string{
			"id":         "pref-1",
			"init_point": "http://gateway.example.com/checkout/pref-1",
		})

	ref := uuid.New()
	pref, err := testClient().CreatePreference(context.Background(), ref, 10000, "USD", "Membership Fee", "a@x.com")

	assert.NoError(t, err)
	assert.Equal(t, "http://gateway.example.com/checkout/pref-1", pref.CheckoutURL)
	assert.Equal(t, ref, pref.ExternalReference)
	assert.True(t, gock.IsDone())
}

func TestCreatePreference_GatewayErrorSurfaced(t *testing.T) {
	defer gock.Off()

	gock.New("http://gateway.example.com").
		Post("/v1/preferences").
		Reply(500).
		JSON(map[string]string{"error": "internal server error"})

	pref, err := testClient().CreatePreference(context.Background(), uuid.New(), 10000, "USD", "Membership Fee", "a@x.com")

	assert.Error(t, err)
	assert.Nil(t, pref)
	assert.True(t, gock.IsDone())
}

func TestCreatePreference_NetworkErrorSurfaced(t *testing.T) {
	defer gock.Off()

	gock.New("http://gateway.example.com").
		Post("/v1/preferences").
		ReplyError(assert.AnError)

	pref, err := testClient().CreatePreference(context.Background(), uuid.New(), 10000, "USD", "Membership Fee", "a@x.com")

	assert.Error(t, err)
	assert.Nil(t, pref)
}
