package model

import "github.com/google/uuid"

// Role is the API role carried in a bearer token.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleFinalizer Role = "finalizer"
	RoleCourier   Role = "courier"
	RoleRequester Role = "requester"
	RoleReader    Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleFinalizer, RoleCourier, RoleRequester, RoleReader:
		return true
	}
	return false
}

// Actor is the identity acting on the lifecycle engine. The engine never
// authenticates it; it only records what it is given.
type Actor struct {
	ID       string
	TenantID uuid.UUID
}
