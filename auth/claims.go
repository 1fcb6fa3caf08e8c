package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT payload accepted by the gateway. Tokens are minted by the
// surrounding application; the gateway only verifies them and reads the user.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// User returns the best identifier for logs: UserID, else Username, else Subject.
func (c *Claims) User() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.Username != "":
		return c.Username
	default:
		return c.Subject
	}
}
