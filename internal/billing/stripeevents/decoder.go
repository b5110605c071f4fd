// Package stripeevents verifies Stripe webhook payloads and reduces them to
// ledger.BillingEvent values.
package stripeevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/mailcredits/pkg/ledger"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	metadataAccountID = "account_id"
	metadataPlanID    = "plan_id"
	metadataPriceID   = "price_id"
	metadataPackageID = "package_id"
)

var (
	// ErrMissingSecret indicates the decoder was built without a signing secret.
	ErrMissingSecret = errors.New("stripe webhook secret is required")
	// ErrInvalidSignature indicates the payload failed signature verification.
	ErrInvalidSignature = errors.New("invalid stripe signature")
	// ErrMalformedEvent indicates a verified event whose object could not be decoded.
	ErrMalformedEvent = errors.New("malformed stripe event")
)

// Decoder verifies and decodes Stripe webhook deliveries.
type Decoder struct {
	secret string
}

// NewDecoder returns a Decoder for the endpoint signing secret.
func NewDecoder(secret string) (*Decoder, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrMissingSecret
	}
	return &Decoder{secret: trimmed}, nil
}

// Parse verifies the Stripe-Signature header and decodes the event.
func (decoder *Decoder) Parse(payload []byte, signatureHeader string) (ledger.BillingEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return ledger.BillingEvent{}, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, decoder.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ledger.BillingEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Decode(event)
}

// Decode maps a verified Stripe event onto a BillingEvent. Event types the
// ledger does not act on are returned with only their id and type set.
func Decode(event stripelib.Event) (ledger.BillingEvent, error) {
	billingEvent := ledger.BillingEvent{
		EventID: strings.TrimSpace(event.ID),
		Type:    ledger.EventType(event.Type),
	}
	if event.Data == nil {
		return billingEvent, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}
	switch event.Type {
	case stripelib.EventTypeCheckoutSessionCompleted:
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return billingEvent, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedEvent, err)
		}
		session.apply(&billingEvent)
	case stripelib.EventTypeInvoicePaymentSucceeded, stripelib.EventTypeInvoicePaid:
		var paid invoice
		if err := json.Unmarshal(event.Data.Raw, &paid); err != nil {
			return billingEvent, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		paid.apply(&billingEvent)
	case stripelib.EventTypeCustomerSubscriptionUpdated, stripelib.EventTypeCustomerSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return billingEvent, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		sub.apply(&billingEvent)
	}
	return billingEvent, nil
}

// expandableID accepts either a bare Stripe id or an expanded object.
type expandableID string

func (id *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*id = expandableID(strings.TrimSpace(raw))
		return nil
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	*id = expandableID(strings.TrimSpace(object.ID))
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

func (session checkoutSession) apply(event *ledger.BillingEvent) {
	event.SessionID = strings.TrimSpace(session.ID)
	event.Mode = ledger.CheckoutMode(strings.TrimSpace(session.Mode))
	event.CustomerRef = string(session.Customer)
	event.SubscriptionRef = string(session.Subscription)
	event.AccountHint = firstNonEmpty(session.ClientReferenceID, session.Metadata[metadataAccountID])
	event.PlanID = strings.TrimSpace(session.Metadata[metadataPlanID])
	event.PriceID = strings.TrimSpace(session.Metadata[metadataPriceID])
	event.PackageID = strings.TrimSpace(session.Metadata[metadataPackageID])
	event.AmountCents = session.AmountTotal
}

type price struct {
	ID string `json:"id"`
}

type invoiceLine struct {
	Price   *price `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandableID `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (line invoiceLine) priceID() string {
	if line.Price != nil && strings.TrimSpace(line.Price.ID) != "" {
		return strings.TrimSpace(line.Price.ID)
	}
	if line.Pricing != nil && line.Pricing.PriceDetails != nil {
		return string(line.Pricing.PriceDetails.Price)
	}
	return ""
}

// invoice covers both the pre-2025 shape (top-level subscription) and the
// current one (parent.subscription_details).
type invoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	BillingReason string       `json:"billing_reason"`
	AmountPaid    int64        `json:"amount_paid"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
	Metadata map[string]string `json:"metadata"`
}

func (paid invoice) apply(event *ledger.BillingEvent) {
	event.InvoiceID = strings.TrimSpace(paid.ID)
	event.BillingReason = strings.TrimSpace(paid.BillingReason)
	event.CustomerRef = string(paid.Customer)
	event.AmountCents = paid.AmountPaid
	metadata := paid.Metadata
	subscriptionRef := string(paid.Subscription)
	if paid.Parent != nil && paid.Parent.SubscriptionDetails != nil {
		subscriptionRef = firstNonEmpty(subscriptionRef, string(paid.Parent.SubscriptionDetails.Subscription))
		if len(metadata) == 0 {
			metadata = paid.Parent.SubscriptionDetails.Metadata
		}
	}
	event.SubscriptionRef = subscriptionRef
	for _, line := range paid.Lines.Data {
		if priceID := line.priceID(); priceID != "" {
			event.PriceID = priceID
			break
		}
	}
	event.AccountHint = strings.TrimSpace(metadata[metadataAccountID])
	event.PlanID = strings.TrimSpace(metadata[metadataPlanID])
}

type subscription struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Status   string       `json:"status"`
	Items    struct {
		Data []struct {
			Price price `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (sub subscription) apply(event *ledger.BillingEvent) {
	event.SubscriptionRef = strings.TrimSpace(sub.ID)
	event.CustomerRef = string(sub.Customer)
	event.SubscriptionStatus = strings.TrimSpace(sub.Status)
	for _, item := range sub.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			event.PriceID = priceID
			break
		}
	}
	event.AccountHint = strings.TrimSpace(sub.Metadata[metadataAccountID])
	event.PlanID = strings.TrimSpace(sub.Metadata[metadataPlanID])
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
