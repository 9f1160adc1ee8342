package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// RoleService is held by the bot frontend.
	RoleService = "service"
	RoleAdmin   = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type Config struct {
	Secret   string
	TokenTTL time.Duration
	// bcrypt hashes of the keys exchanged for tokens; an empty hash disables the role.
	ServiceKeyHash string
	AdminKeyHash   string
}

type Claims struct {
	Subject string
	Role    string
	Expires time.Time
}

// Service issues and validates the bearer tokens used by the API.
type Service interface {
	// Exchange trades a pre-shared key for a token of the key's role.
	Exchange(ctx context.Context, subject, key string) (token string, claims *Claims, err error)
	IssueToken(subject, role string) (string, *Claims, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

type service struct {
	cfg    Config
	secret []byte
	now    func() time.Time
}

func NewService(cfg Config) *service {
	if cfg.Secret == "" {
		cfg.Secret = "supersecretmvp"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &service{cfg: cfg, secret: []byte(cfg.Secret), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Exchange(ctx context.Context, subject, key string) (string, *Claims, error) {
	if subject == "" || key == "" {
		return "", nil, ErrInvalidCredentials
	}
	for _, candidate := range []struct{ hash, role string }{
		{s.cfg.AdminKeyHash, RoleAdmin},
		{s.cfg.ServiceKeyHash, RoleService},
	} {
		if candidate.hash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(candidate.hash), []byte(key)) == nil {
			return s.IssueToken(subject, candidate.role)
		}
	}
	return "", nil, ErrInvalidCredentials
}

func (s *service) IssueToken(subject, role string) (string, *Claims, error) {
	if role != RoleService && role != RoleAdmin {
		return "", nil, errors.New("invalid role")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return tok, &Claims{Subject: subject, Role: role, Expires: c.ExpiresAt.Time}, nil
}

func (s *service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	if c.Role != RoleService && c.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	out := &Claims{Subject: c.Subject, Role: c.Role}
	if c.ExpiresAt != nil {
		out.Expires = c.ExpiresAt.Time
	}
	return out, nil
}
