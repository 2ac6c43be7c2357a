package identity

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"branchledger/backend/internal/domain"
)

var ErrInvalidToken = errors.New("invalid or expired token")

const issuer = "branchledger"

type actorClaims struct {
	jwtlib.RegisteredClaims
	BranchID string `json:"branch_id"`
}

// Verifier resolves a token into the acting branch and user.
type Verifier interface {
	Actor(token string) (domain.Actor, error)
}

var _ Verifier = (*Provider)(nil)

// Provider issues and verifies the tokens that carry the acting branch and
// user. Verifying never consults a store.
type Provider struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func NewProvider(secret string, tokenTTL time.Duration) (*Provider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &Provider{secret: []byte(secret), tokenTTL: tokenTTL, now: time.Now}, nil
}

func (p *Provider) Issue(actor domain.Actor) (string, time.Time, error) {
	if !actor.Valid() {
		return "", time.Time{}, errors.New("actor requires branch and user id")
	}
	now := p.now().UTC()
	expiresAt := now.Add(p.tokenTTL)
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.ActorID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		BranchID: actor.BranchID,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (p *Provider) Actor(tokenStr string) (domain.Actor, error) {
	claims := &actorClaims{}
	token, err := jwtlib.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(issuer), jwtlib.WithTimeFunc(p.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.BranchID == "" {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{BranchID: claims.BranchID, ActorID: sub}, nil
}
