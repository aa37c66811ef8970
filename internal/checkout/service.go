package checkout

import (
	"context"
	"log/slog"
	"time"

	"payment-service/internal/db"
	"payment-service/internal/gateway"
	"payment-service/internal/payment"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrInvalidRequest = errors.New("invalid checkout request")
	ErrNotFound       = errors.New("unknown external reference")
)

type CreatePreferenceRequest struct {
	Amount      int64             `json:"amount" validate:"required,gt=0"`
	Description string            `json:"description" validate:"required"`
	PayerEmail  string            `json:"payerEmail" validate:"required,email"`
	Currency    string            `json:"currency,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type CreatePreferenceResponse struct {
	CheckoutURL       string `json:"checkoutUrl"`
	ExternalReference string `json:"externalReference"`
}

// StatusResponse is the polling read used as fallback when the push channel
// is unavailable.
type StatusResponse struct {
	ExternalReference string    `json:"externalReference"`
	Status            string    `json:"status"`
	StatusDetail      string    `json:"statusDetail,omitempty"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
}

type PreferenceCreator interface {
	CreatePreference(ctx context.Context, externalReference uuid.UUID, amount int64, currency, description, payerEmail string) (*gateway.Preference, error)
}

type PaymentStore interface {
	Create(ctx context.Context, entity *db.PaymentEntity) error
	GetByExternalReference(ctx context.Context, externalReference uuid.UUID) (*db.PaymentEntity, error)
}

type Service struct {
	gateway         PreferenceCreator
	payments        PaymentStore
	defaultCurrency string
	validate        *validator.Validate
	logger          *slog.Logger
}

func NewService(gw PreferenceCreator, payments PaymentStore, defaultCurrency string, logger *slog.Logger) *Service {
	return &Service{
		gateway:         gw,
		payments:        payments,
		defaultCurrency: defaultCurrency,
		validate:        validator.New(),
		logger:          logger,
	}
}

// CreatePreference creates the gateway checkout session and, on success, the
// pending payment record the webhook pipeline will later mutate.
func (s *Service) CreatePreference(ctx context.Context, req CreatePreferenceRequest) (*CreatePreferenceResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	externalReference := uuid.New()

	pref, err := s.gateway.CreatePreference(ctx, externalReference, req.Amount, currency, req.Description, req.PayerEmail)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entity := &db.PaymentEntity{
		ID:                uuid.New(),
		ExternalReference: externalReference,
		Amount:            req.Amount,
		Currency:          currency,
		Status:            string(payment.StatusPending),
		PayerEmail:        req.PayerEmail,
		Metadata:          req.Metadata,
		CreatedAt:         now,
		LastUpdatedAt:     now,
	}

	if err := s.payments.Create(ctx, entity); err != nil {
		return nil, errors.Wrap(err, "creating payment record")
	}

	s.logger.InfoContext(ctx, "Created pending payment", "externalReference", externalReference)

	return &CreatePreferenceResponse{
		CheckoutURL:       pref.CheckoutURL,
		ExternalReference: externalReference.String(),
	}, nil
}

// GetStatus reads the current payment status by external reference.
func (s *Service) GetStatus(ctx context.Context, externalReference string) (*StatusResponse, error) {
	ref, err := uuid.Parse(externalReference)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, "external reference is not a UUID")
	}

	entity, err := s.payments.GetByExternalReference(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		ExternalReference: entity.ExternalReference.String(),
		Status:            entity.Status,
		LastUpdatedAt:     entity.LastUpdatedAt,
	}
	if entity.StatusDetail != nil {
		resp.StatusDetail = *entity.StatusDetail
	}
	return resp, nil
}
