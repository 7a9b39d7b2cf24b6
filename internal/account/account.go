// Package account manages the pool of upstream accounts: the persisted
// credential list, per-model rate-limit state, and the sticky round-robin
// selection the dispatch engine draws from.
package account

import (
	"errors"
	"strings"
	"time"
)

// Account is one upstream identity. The credential triple is written by the
// external auth flow; the relay only reads it. Access tokens and project
// ids are cached elsewhere, keyed by Email.
type Account struct {
	Email        string    `json:"email"`
	RefreshToken string    `json:"refreshToken"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Validate checks the fields a dispatch cannot do without.
func (a Account) Validate() error {
	switch {
	case a.Email == "" || !strings.Contains(a.Email, "@"):
		return errors.New("account email missing or malformed")
	case a.RefreshToken == "":
		return errors.New("account refresh token missing")
	case a.ClientID == "" || a.ClientSecret == "":
		return errors.New("account client credentials missing")
	}
	return nil
}
