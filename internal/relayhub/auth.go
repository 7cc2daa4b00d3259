package relayhub

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the expected payload of a relay bearer token: a client
// principal and an organization id, per spec.md §4.1's assumed auth
// model.
type claims struct {
	ClientID string `json:"clientId"`
	OrgID    string `json:"orgId"`
	jwt.RegisteredClaims
}

// ParsePrincipal validates tokenString against secret and extracts the
// relay's Principal. Returns an error for any malformed, unsigned, or
// expired token.
func ParsePrincipal(tokenString string, secret []byte) (Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, errors.New("relayhub: invalid token")
	}
	if c.ClientID == "" || c.OrgID == "" {
		return Principal{}, errors.New("relayhub: token missing clientId/orgId")
	}
	return Principal{ClientID: c.ClientID, OrgID: c.OrgID}, nil
}
