package model

import "github.com/google/uuid"

// NewID returns a new random identifier for a Mission, Epoch, WorkUnit,
// ContextItem, or Reflection, the same short-random-token role
// original_source/models.py's _new_id (uuid4().hex[:12]) plays there.
func NewID() string {
	return uuid.NewString()
}
