package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "invoicesync"

// StateClaims is the payload of the signed OAuth state parameter
type StateClaims struct {
	jwt.RegisteredClaims
	Service integration.ServiceType `json:"svc"`
}

// Nonce returns the per-authorization nonce carried as the JWT id
func (c *StateClaims) Nonce() string {
	return c.ID
}

// StateSigner issues and verifies the state parameter of authorization
// redirects as short-lived HS256 tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer. ttl defaults to ten minutes.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if secret == "" {
		return nil, errors.New("oauth: state secret is empty")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue creates a state for service and returns it with its nonce
func (s *StateSigner) Issue(service integration.ServiceType) (state, nonce string, err error) {
	now := s.now()
	nonce = uuid.NewString()
	claims := &StateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    stateIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Service: service,
	}
	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("oauth: sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks signature, expiry and the service the state was issued for
func (s *StateSigner) Verify(state string, service integration.ServiceType) (*StateClaims, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: empty", integration.ErrInvalidState)
	}
	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", integration.ErrInvalidState)
		}
		return nil, fmt.Errorf("%w: %v", integration.ErrInvalidState, err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, integration.ErrInvalidState
	}
	if claims.Service != service {
		return nil, fmt.Errorf("%w: issued for %s", integration.ErrInvalidState, claims.Service)
	}
	return claims, nil
}
