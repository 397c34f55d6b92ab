package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenClaims are the claims carried by a minted access token.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// AccessTokenInfo is the validated content of a presented access token.
type AccessTokenInfo struct {
	UserID   string
	ClientID string
	Scope    string
	Resource string
	Expiry   time.Time
}

// MintAccessToken issues a signed access token for the given grant context.
// resource, when empty, defaults to the configured protected resource.
func (s *Server) MintAccessToken(userID, clientID, scope, resource string) (string, error) {
	if resource == "" {
		resource = s.Config.Resource
	}

	now := time.Now()
	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{resource},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Config.AccessTokenTTL)),
		},
		ClientID: clientID,
		Scope:    scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Config.AccessTokenSigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and verifies a presented access token.
func (s *Server) ValidateAccessToken(tokenString string) (*AccessTokenInfo, error) {
	claims := &accessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			return s.Config.AccessTokenSigningKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid access token")
	}

	resource := ""
	if len(claims.Audience) > 0 {
		resource = claims.Audience[0]
	}
	return &AccessTokenInfo{
		UserID:   claims.Subject,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		Resource: resource,
		Expiry:   claims.ExpiresAt.Time,
	}, nil
}
