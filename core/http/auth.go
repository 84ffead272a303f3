package http

import "time"

// Backend is the credential store consulted by the auth filter
type Backend interface {
	// Validate compares the credential the client supplied with the one
	// required. For Digest the values are the client's response digest
	// and the expected digest.
	Validate(realm, user, supplied, required string) bool
	// GetPassword returns the password, or the MD5 of user:realm:password
	// when the policy stores hashed passwords.
	GetPassword(realm, user string) (string, bool)
}

// AuthPolicy is the authentication required by a Location
type AuthPolicy struct {
	// Type is "basic" or "digest"
	Type    string
	Realm   string
	Backend Backend
	// Users restricts access to the listed users when non-empty
	Users []string
	// HashedPasswords means GetPassword returns MD5(user:realm:password)
	HashedPasswords bool
	// NonceLifetime bounds the age of Digest nonces
	NonceLifetime time.Duration
}

// Allows reports whether user is admitted by the user list
func (p *AuthPolicy) Allows(user string) bool {
	if len(p.Users) == 0 {
		return true
	}
	for _, u := range p.Users {
		if u == user {
			return true
		}
	}
	return false
}
