package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rmacdonaldsmith/eventmesh-client-go/pkg/membership"
)

var (
	// ErrEmptySecret is returned when a GrantOracle is created without a signing secret
	ErrEmptySecret = errors.New("grant secret cannot be empty")
	// ErrInvalidGrant is returned when a grant token fails verification
	ErrInvalidGrant = errors.New("invalid grant")
)

// GrantClaims are the claims of a subscription grant token.
// The subject is the subscriber address.
type GrantClaims struct {
	StreamID string `json:"stream_id"`
	jwt.RegisteredClaims
}

// GrantOracle decides membership from signed, expiring grant tokens (HS256).
// A subscriber is valid while it holds a registered, unexpired, unrevoked grant.
// It is safe for concurrent use.
type GrantOracle struct {
	secret []byte
	now    func() time.Time

	mu sync.RWMutex
	// expiry per stream then address
	grants map[string]map[string]time.Time
}

// NewGrantOracle creates a GrantOracle. now defaults to time.Now.
func NewGrantOracle(secret []byte, now func() time.Time) (*GrantOracle, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if now == nil {
		now = time.Now
	}
	return &GrantOracle{
		secret: append([]byte(nil), secret...),
		now:    now,
		grants: make(map[string]map[string]time.Time),
	}, nil
}

// Issue signs a grant for address on streamID valid for ttl.
func (g *GrantOracle) Issue(streamID, address string, ttl time.Duration) (string, error) {
	if streamID == "" || address == "" {
		return "", fmt.Errorf("%w: stream and address are required", ErrInvalidGrant)
	}
	now := g.now()
	claims := GrantClaims{
		StreamID: streamID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(address),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign grant: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a grant token against the oracle's clock.
func (g *GrantOracle) Verify(tokenString string) (*GrantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidGrant
	}
	if claims.StreamID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: grant has no stream or subject", ErrInvalidGrant)
	}
	return claims, nil
}

// Register verifies tokenString and records the grant it carries.
func (g *GrantOracle) Register(tokenString string) (*GrantClaims, error) {
	claims, err := g.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	subs, ok := g.grants[claims.StreamID]
	if !ok {
		subs = make(map[string]time.Time)
		g.grants[claims.StreamID] = subs
	}
	subs[claims.Subject] = claims.ExpiresAt.Time
	return claims, nil
}

// Revoke forgets address's grant on streamID.
func (g *GrantOracle) Revoke(streamID, address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants[streamID], strings.ToLower(address))
}

// IsValidSubscriber implements membership.Oracle.
func (g *GrantOracle) IsValidSubscriber(_ context.Context, streamID, address string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	exp, ok := g.grants[streamID][strings.ToLower(address)]
	return ok && g.now().Before(exp), nil
}

// GetSubscribers implements membership.Oracle.
func (g *GrantOracle) GetSubscribers(_ context.Context, streamID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	out := make([]string, 0, len(g.grants[streamID]))
	for addr, exp := range g.grants[streamID] {
		if now.Before(exp) {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ membership.Oracle = (*GrantOracle)(nil)
