// provider.go -- External identity provider contract.
package oauth

import "context"

// Claims is the identity an external provider vouches for after a successful exchange.
// Every field comes from a verified ID token. Names may be empty.
type Claims struct {
	Sub           string // stable subject at the issuer
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
}

// Provider signs a portal user in through an external issuer (Google, DATEV, ...).
// The authorization code flow always uses PKCE with S256.
type Provider interface {
	// Name is the {provider} route segment and the value persisted on the linked account.
	Name() string

	// AuthCodeURL builds the consent URL carrying state and the S256 code challenge.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange redeems code with codeVerifier and returns the verified identity.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}
