package domain

import (
	"time"

	"github.com/google/uuid"
)

type ActivityKind string

const (
	ActivityOffer       ActivityKind = "offer"
	ActivityTransaction ActivityKind = "transaction"
)

// ActivityItem is one row of a user's merged offer/transaction feed.
type ActivityItem struct {
	Kind       ActivityKind `json:"kind"`
	ID         uuid.UUID    `json:"id"`
	PropertyID uuid.UUID    `json:"property_id"`
	BuyerID    uuid.UUID    `json:"buyer_id"`
	SellerID   uuid.UUID    `json:"seller_id"`
	Status     string       `json:"status"`
	Amount     int64        `json:"amount"`
	CreatedAt  time.Time    `json:"created_at"`
}

type ActivityListOptions struct {
	Limit  int
	Offset int
}

const (
	DefaultActivityLimit = 20
	MaxActivityLimit     = 100
)

// Normalize clamps paging values into the supported range.
func (o ActivityListOptions) Normalize() ActivityListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultActivityLimit
	}
	if o.Limit > MaxActivityLimit {
		o.Limit = MaxActivityLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
