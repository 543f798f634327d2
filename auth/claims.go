package auth

import "github.com/golang-jwt/jwt/v5"

// Scope values carried by report tokens.
const (
	ScopeReport = "report"
)

// ReportClaims authorize read access to one monitored session. Subject holds
// the session ID.
type ReportClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// SessionID returns the session the token was issued for.
func (c *ReportClaims) SessionID() string { return c.Subject }
