// Package identity derives the read-only user profile from provider claims.
package identity

import (
	"strings"
)

// Claims is the union of the claim sets the agent reads: the userinfo
// response body and the ID token payload.
type Claims struct {
	Subject           string   `json:"sub"`
	Name              string   `json:"name"`
	GivenName         string   `json:"given_name"`
	FamilyName        string   `json:"family_name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Picture           string   `json:"picture"`
	Role              string   `json:"role"`
	Roles             []string `json:"roles"`
	Groups            []string `json:"groups"`
	Nonce             string   `json:"nonce"`
}

// Profile is owned by the session snapshot and never mutated independently.
type Profile struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

var adminGroups = map[string]struct{}{
	"admin":         {},
	"admins":        {},
	"administrator": {},
}

// ProfileFromClaims builds the profile using the documented fallback chains.
func ProfileFromClaims(c Claims) Profile {
	return Profile{
		Subject:     c.Subject,
		DisplayName: displayName(c),
		Email:       c.Email,
		Role:        role(c),
		AvatarURL:   c.Picture,
	}
}

// displayName picks, in order: explicit name, given+family name, preferred
// username, email, subject.
func displayName(c Claims) string {
	if c.Name != "" {
		return c.Name
	}

	full := strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	if full != "" {
		return full
	}

	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	if c.Email != "" {
		return c.Email
	}

	return c.Subject
}

// role picks, in order: explicit role claim, first roles entry, "admin" when
// any group name matches an admin alias, else "user".
func role(c Claims) string {
	if c.Role != "" {
		return c.Role
	}
	if len(c.Roles) > 0 {
		return c.Roles[0]
	}

	for _, group := range c.Groups {
		if _, ok := adminGroups[strings.ToLower(group)]; ok {
			return "admin"
		}
	}

	return "user"
}
