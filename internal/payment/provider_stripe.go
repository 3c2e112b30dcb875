package payment

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider implements Provider on top of the Stripe API, using
// manual-capture payment intents as the escrow hold.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

func (s *StripeProvider) CreateOrder(ctx context.Context, amountCents int64, currency, reference string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("reference", reference)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeProvider) Capture(ctx context.Context, orderID string) (string, error) {
	pi, err := s.api.PaymentIntents.Capture(orderID, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", err
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

func (s *StripeProvider) Refund(ctx context.Context, captureID string, amountCents int64) (string, string, error) {
	params := &stripe.RefundParams{
		Params: stripe.Params{Context: ctx},
		Amount: stripe.Int64(amountCents),
	}
	if strings.HasPrefix(captureID, "pi_") {
		params.PaymentIntent = stripe.String(captureID)
	} else {
		params.Charge = stripe.String(captureID)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", "", err
	}
	return r.ID, refundStatus(r.Status), nil
}

func (s *StripeProvider) GetRefund(ctx context.Context, refundID string) (string, error) {
	r, err := s.api.Refunds.Get(refundID, &stripe.RefundParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", err
	}
	return refundStatus(r.Status), nil
}

func (s *StripeProvider) SendPayout(ctx context.Context, receiver string, amountCents int64, reference string) (string, string, error) {
	params := &stripe.PayoutParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(strings.ToLower(DefaultCurrency)),
	}
	params.AddMetadata("reference", reference)
	params.AddMetadata("receiver", receiver)

	p, err := s.api.Payouts.New(params)
	if err != nil {
		return "", "", err
	}
	return p.ID, payoutStatus(p.Status), nil
}

func (s *StripeProvider) GetPayoutBatch(ctx context.Context, providerBatchID string) (string, error) {
	p, err := s.api.Payouts.Get(providerBatchID, &stripe.PayoutParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", err
	}
	return payoutStatus(p.Status), nil
}

// refundStatus normalizes Stripe refund statuses to the provider vocabulary.
func refundStatus(s stripe.RefundStatus) string {
	switch s {
	case stripe.RefundStatusSucceeded:
		return "COMPLETED"
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		return "PENDING"
	default:
		return "FAILED"
	}
}

// payoutStatus normalizes Stripe payout statuses to the provider vocabulary.
func payoutStatus(s stripe.PayoutStatus) string {
	switch s {
	case stripe.PayoutStatusPaid:
		return "SUCCESS"
	case stripe.PayoutStatusPending, stripe.PayoutStatusInTransit:
		return "PENDING"
	default:
		return "FAILED"
	}
}

// Compile-time assertion that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)
