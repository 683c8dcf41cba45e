package identity

import (
	"encoding/json"
	"fmt"
)

// RoleClaims maps deployment environments to integer role levels. Absent
// fields default to zero; the zero value means "no role".
type RoleClaims struct {
	Production int `json:"production"`
	Staging    int `json:"staging"`
}

// ParseRoleClaims normalizes a raw custom-claims document into typed role
// claims. Unknown keys are ignored and missing environments fill with zero.
func ParseRoleClaims(raw []byte) (RoleClaims, error) {
	var claims RoleClaims

	if len(raw) == 0 {
		return claims, nil
	}

	err := json.Unmarshal(raw, &claims)
	if err != nil {
		return RoleClaims{}, fmt.Errorf("decode role claims: %w", err)
	}

	return claims, nil
}

// Level returns the role level for an environment name. Unrecognized
// environments have no role requirement and report zero.
func (c RoleClaims) Level(environment string) int {
	switch environment {
	case "production":
		return c.Production
	case "staging":
		return c.Staging
	default:
		return 0
	}
}

// AtLeast reports whether the claims meet a minimum role level for the given
// environment.
func (c RoleClaims) AtLeast(environment string, minimum int) bool {
	return c.Level(environment) >= minimum
}
