// Package auth issues and validates the bearer tokens of the Hakobi API.
//
// Tokens are Ed25519-signed JWTs carrying the actor id (subject), tenant id and
// role. Keys are loaded from PEM files, or generated per process for
// development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
)

const (
	issuer   = "hakobi"
	audience = "hakobi"
)

// Claims extends jwt.RegisteredClaims with the acting tenant and role. The
// subject is the opaque actor id recorded on every lifecycle event.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID  `json:"tenant_id"`
	Role     model.Role `json:"role"`
}

// Actor returns the identity the lifecycle engine records.
func (c *Claims) Actor() model.Actor {
	return model.Actor{ID: c.Subject, TenantID: c.TenantID}
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	priv, pub, err := ParseKeyPair(privPEM, pubPEM)
	if err != nil {
		return nil, err
	}
	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

// ParseKeyPair decodes a PKCS#8 private key and PKIX public key and checks
// that they belong together.
func ParseKeyPair(privPEM, pubPEM []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return edPriv, edPub, nil
}

// GenerateKeyPairPEM creates a fresh Ed25519 key pair encoded the way
// NewJWTManager reads it.
func GenerateKeyPairPEM() (privPEM, pubPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: generate key pair: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// IssueToken creates a signed JWT for an actor of a tenant.
func (m *JWTManager) IssueToken(actorID string, tenantID uuid.UUID, role model.Role) (string, time.Time, error) {
	if err := checkIdentity(actorID, tenantID, role); err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if err := checkIdentity(claims.Subject, claims.TenantID, claims.Role); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkIdentity(actorID string, tenantID uuid.UUID, role model.Role) error {
	if actorID == "" || len(actorID) > model.MaxActorIDLen {
		return fmt.Errorf("auth: invalid subject: actor id must be 1-%d characters", model.MaxActorIDLen)
	}
	if tenantID == uuid.Nil {
		return fmt.Errorf("auth: missing tenant id")
	}
	if !role.Valid() {
		return fmt.Errorf("auth: unknown role %q", role)
	}
	return nil
}
