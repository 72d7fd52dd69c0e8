/**
 * @description
 * Offer domain model. An offer is a buyer's proposal on one property and moves
 * through a small one-way lifecycle: pending, then exactly one of accepted,
 * rejected, countered or expired.
 *
 * @notes
 * - Amounts are int64 minor currency units (cents).
 * - seller_id is copied from the property at creation time so later property
 *   edits cannot change who may respond.
 */

package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// OfferLifetime is fixed at creation and never extended.
	OfferLifetime = 7 * 24 * time.Hour
	// MinClosingLead is the minimum distance between submission and closing.
	MinClosingLead = 14 * 24 * time.Hour
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCountered OfferStatus = "countered"
	OfferExpired   OfferStatus = "expired"
)

func (s OfferStatus) Terminal() bool {
	return s != OfferPending
}

type FinancingType string

const (
	FinancingCash         FinancingType = "cash"
	FinancingConventional FinancingType = "conventional"
	FinancingFHA          FinancingType = "fha"
	FinancingVA           FinancingType = "va"
	FinancingOther        FinancingType = "other"
)

func ParseFinancingType(raw string) (FinancingType, error) {
	switch ft := FinancingType(strings.ToLower(strings.TrimSpace(raw))); ft {
	case FinancingCash, FinancingConventional, FinancingFHA, FinancingVA, FinancingOther:
		return ft, nil
	case "":
		return FinancingCash, nil
	default:
		return "", fmt.Errorf("%w: unknown financing type %q", ErrValidation, raw)
	}
}

type Contingency string

const (
	ContingencyInspection        Contingency = "inspection"
	ContingencyFinancing         Contingency = "financing"
	ContingencyAppraisal         Contingency = "appraisal"
	ContingencySaleOfCurrentHome Contingency = "sale_of_current_home"
)

// NormalizeContingencies validates the set and returns it sorted without duplicates.
func NormalizeContingencies(raw []Contingency) ([]Contingency, error) {
	out := make([]Contingency, 0, len(raw))
	for _, c := range raw {
		c = Contingency(strings.ToLower(strings.TrimSpace(string(c))))
		switch c {
		case ContingencyInspection, ContingencyFinancing, ContingencyAppraisal, ContingencySaleOfCurrentHome:
		default:
			return nil, fmt.Errorf("%w: unknown contingency %q", ErrValidation, c)
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out, nil
}

// OfferTerms are the buyer-proposed terms of an offer.
type OfferTerms struct {
	OfferAmount   int64         `json:"offer_amount"`
	EarnestMoney  int64         `json:"earnest_money"`
	FinancingType FinancingType `json:"financing_type"`
	ClosingDate   time.Time     `json:"closing_date"`
	Contingencies []Contingency `json:"contingencies"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// Validate checks the terms against submission time now and returns a
// normalized copy.
func (t OfferTerms) Validate(now time.Time) (OfferTerms, error) {
	if t.OfferAmount < 0 {
		return t, fmt.Errorf("%w: offer amount must be non-negative", ErrValidation)
	}
	if t.EarnestMoney < 0 {
		return t, fmt.Errorf("%w: earnest money must be non-negative", ErrValidation)
	}
	if t.ClosingDate.IsZero() || t.ClosingDate.Before(now.Add(MinClosingLead)) {
		return t, fmt.Errorf("%w: closing date must be at least 14 days from submission", ErrValidation)
	}

	financing, err := ParseFinancingType(string(t.FinancingType))
	if err != nil {
		return t, err
	}
	contingencies, err := NormalizeContingencies(t.Contingencies)
	if err != nil {
		return t, err
	}
	method, err := ParsePaymentMethod(string(t.PaymentMethod))
	if err != nil {
		return t, err
	}

	t.FinancingType = financing
	t.Contingencies = contingencies
	t.PaymentMethod = method
	return t, nil
}

// EarnestInCustomaryRange reports whether earnest money is 1–2% of the offer.
// It is informational only.
func (t OfferTerms) EarnestInCustomaryRange() bool {
	if t.OfferAmount == 0 {
		return t.EarnestMoney == 0
	}
	return t.EarnestMoney*100 >= t.OfferAmount && t.EarnestMoney*50 <= t.OfferAmount
}

// Offer maps to the `offers` table.
type Offer struct {
	ID                 uuid.UUID     `json:"id"`
	PropertyID         uuid.UUID     `json:"property_id"`
	BuyerID            uuid.UUID     `json:"buyer_id"`
	SellerID           uuid.UUID     `json:"seller_id"`
	CounterOf          *uuid.UUID    `json:"counter_of,omitempty"`
	OfferAmount        int64         `json:"offer_amount"`
	EarnestMoney       int64         `json:"earnest_money"`
	FinancingType      FinancingType `json:"financing_type"`
	ClosingDate        time.Time     `json:"closing_date"`
	Contingencies      []Contingency `json:"contingencies"`
	PaymentMethod      PaymentMethod `json:"payment_method"`
	Status             OfferStatus   `json:"status"`
	SellerResponse     *string       `json:"seller_response,omitempty"`
	CounterOfferAmount *int64        `json:"counter_offer_amount,omitempty"`
	AcceptedAt         *time.Time    `json:"accepted_at,omitempty"`
	RejectedAt         *time.Time    `json:"rejected_at,omitempty"`
	CounteredAt        *time.Time    `json:"countered_at,omitempty"`
	ExpiredAt          *time.Time    `json:"expired_at,omitempty"`
	ExpiresAt          time.Time     `json:"expires_at"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// NewOffer builds a pending offer from validated terms.
func NewOffer(property *Property, buyerID uuid.UUID, terms OfferTerms, now time.Time) *Offer {
	return &Offer{
		ID:            uuid.New(),
		PropertyID:    property.ID,
		BuyerID:       buyerID,
		SellerID:      property.SellerID,
		OfferAmount:   terms.OfferAmount,
		EarnestMoney:  terms.EarnestMoney,
		FinancingType: terms.FinancingType,
		ClosingDate:   terms.ClosingDate,
		Contingencies: terms.Contingencies,
		PaymentMethod: terms.PaymentMethod,
		Status:        OfferPending,
		ExpiresAt:     now.Add(OfferLifetime),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewCounterOffer is the seller's reply to a countered offer: a fresh pending
// offer for amount, carrying the original terms, that the buyer responds to.
func NewCounterOffer(original *Offer, amount int64, now time.Time) *Offer {
	parent := original.ID
	return &Offer{
		ID:            uuid.New(),
		PropertyID:    original.PropertyID,
		BuyerID:       original.BuyerID,
		SellerID:      original.SellerID,
		CounterOf:     &parent,
		OfferAmount:   amount,
		EarnestMoney:  original.EarnestMoney,
		FinancingType: original.FinancingType,
		ClosingDate:   original.ClosingDate,
		Contingencies: slices.Clone(original.Contingencies),
		PaymentMethod: original.PaymentMethod,
		Status:        OfferPending,
		ExpiresAt:     now.Add(OfferLifetime),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	c := *o
	c.CounterOf = cloneUUID(o.CounterOf)
	c.Contingencies = slices.Clone(o.Contingencies)
	c.SellerResponse = cloneString(o.SellerResponse)
	c.CounterOfferAmount = cloneInt64(o.CounterOfferAmount)
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.RejectedAt = cloneTime(o.RejectedAt)
	c.CounteredAt = cloneTime(o.CounteredAt)
	c.ExpiredAt = cloneTime(o.ExpiredAt)
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// RespondentID is the party allowed to answer the offer.
func (o *Offer) RespondentID() uuid.UUID {
	if o.CounterOf != nil {
		return o.BuyerID
	}
	return o.SellerID
}

// IsOpen reports whether the offer can still be answered at now.
func (o *Offer) IsOpen(now time.Time) bool {
	return o.Status == OfferPending && now.Before(o.ExpiresAt)
}

// Due reports whether the expiration sweep should expire the offer at now.
func (o *Offer) Due(now time.Time) bool {
	return o.Status == OfferPending && !now.Before(o.ExpiresAt)
}

// OfferDecision is a respondent's answer.
type OfferDecision string

const (
	DecisionAccept  OfferDecision = "accept"
	DecisionReject  OfferDecision = "reject"
	DecisionCounter OfferDecision = "counter"
)

// OfferResponse is the input to respond().
type OfferResponse struct {
	Decision      OfferDecision `json:"decision"`
	CounterAmount *int64        `json:"counter_amount,omitempty"`
	ResponseText  *string       `json:"response_text,omitempty"`
}

func (r OfferResponse) Validate() error {
	switch r.Decision {
	case DecisionAccept, DecisionReject:
		return nil
	case DecisionCounter:
		if r.CounterAmount == nil {
			return fmt.Errorf("%w: counter amount is required", ErrValidation)
		}
		if *r.CounterAmount < 0 {
			return fmt.Errorf("%w: counter amount must be non-negative", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrValidation, r.Decision)
	}
}

// OfferTransition is the terminal state a pending offer moves to.
type OfferTransition struct {
	Status         OfferStatus
	At             time.Time
	SellerResponse *string
	CounterAmount  *int64
}

// Apply writes the transition onto o.
func (t OfferTransition) Apply(o *Offer) {
	o.Status = t.Status
	o.UpdatedAt = t.At
	if t.SellerResponse != nil {
		o.SellerResponse = t.SellerResponse
	}
	if t.CounterAmount != nil {
		o.CounterOfferAmount = t.CounterAmount
	}
	at := t.At
	switch t.Status {
	case OfferAccepted:
		o.AcceptedAt = &at
	case OfferRejected:
		o.RejectedAt = &at
	case OfferCountered:
		o.CounteredAt = &at
	case OfferExpired:
		o.ExpiredAt = &at
	}
}
