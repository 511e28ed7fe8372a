package model

import "github.com/google/uuid"

// Change is the notification published after a committed lifecycle
// transition. Observers only receive changes for their own tenant.
type Change struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Status     string     `json:"status"`
	Action     Action     `json:"action"`
}
