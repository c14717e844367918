package domain

import "time"

// Role tags an account. Regular accounts are "user".
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// Account is a wallet keyed by the owner's phone number
type Account struct {
	ID           string    `json:"id" yaml:"id"`
	Email        string    `json:"email,omitempty" yaml:"email"`
	Name         string    `json:"name,omitempty" yaml:"name"`
	Balance      int64     `json:"balance" yaml:"balance"` // minor units
	Role         Role      `json:"role" yaml:"role"`
	FeeCollector bool      `json:"fee_collector,omitempty" yaml:"fee_collector"`
	PINHash      string    `json:"-" yaml:"pin_hash"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}
