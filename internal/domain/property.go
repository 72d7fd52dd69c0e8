package domain

import (
	"time"

	"github.com/google/uuid"
)

type PropertyStatus string

const (
	PropertyDraft     PropertyStatus = "draft"
	PropertyActive    PropertyStatus = "active"
	PropertyPending   PropertyStatus = "pending"
	PropertySold      PropertyStatus = "sold"
	PropertyWithdrawn PropertyStatus = "withdrawn"
)

// Property is the slice of the listing record this service reads and writes.
// Listing CRUD lives elsewhere.
type Property struct {
	ID        uuid.UUID      `json:"id"`
	SellerID  uuid.UUID      `json:"seller_id"`
	Price     int64          `json:"price"`
	Status    PropertyStatus `json:"status"`
	SoldAt    *time.Time     `json:"sold_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
