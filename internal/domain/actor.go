package domain

import "github.com/google/uuid"

// Role is the coarse profile role carried in the caller's token.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated caller of an engine operation. It is always passed
// explicitly; nothing in the engine reads identity from ambient state.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsParty reports whether the actor is the buyer or the seller.
func (a Actor) IsParty(buyerID, sellerID uuid.UUID) bool {
	return a.ID != uuid.Nil && (a.ID == buyerID || a.ID == sellerID)
}
