package domain

import "github.com/golang-jwt/jwt/v5"

// ScopeViewWrite: право менять выбор и переключать живой хвост логов.
const ScopeViewWrite = "view.write"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "view.write": true
	jwt.RegisteredClaims
}

// Allows: admin разрешено всё.
func (c *CustomClaims) Allows(scope string) bool {
	return c.Scopes["admin"] || c.Scopes[scope]
}
