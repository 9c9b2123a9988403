package model

import "time"

// Owner is the account an API key acts on behalf of. Keys of an inactive
// owner fail verification.
type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateOwnerRequest is the admin body for registering an owner.
type CreateOwnerRequest struct {
	ID    string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// UpdateOwnerRequest toggles an owner's active flag or renames it.
type UpdateOwnerRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	IsActive *bool   `json:"isActive,omitempty"`
}
