package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/account"
)

var (
	// ErrInvalidCredentials signals wrong address or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)

const defaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	reserved  map[account.Address]struct{}
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
	ExpiresAt time.Time
}

// NewService creates a new authentication service. A non-positive tokenTTL
// selects 24 hours. Reserved addresses, such as the custody account, can
// never be registered.
func NewService(repo Repository, jwtSecret string, tokenTTL time.Duration, reserved ...account.Address) *Service {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	s := &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		reserved:  make(map[account.Address]struct{}, len(reserved)),
	}
	for _, a := range reserved {
		s.reserved[a] = struct{}{}
	}
	return s
}

// Register creates a new principal.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Principal, error) {
	if err := req.Address.Validate(); err != nil {
		return Principal{}, fmt.Errorf("auth: %w", err)
	}
	if _, ok := s.reserved[req.Address]; ok {
		return Principal{}, fmt.Errorf("auth: %w: %s is reserved", account.ErrInvalidAddress, req.Address)
	}
	if len(req.Password) < 8 {
		return Principal{}, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: hash password: %w", err)
	}

	return s.repo.CreatePrincipal(ctx, req.Address, string(passwordHash))
}

// Login authenticates a principal and returns a JWT whose subject is its address.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipal(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.IssueToken(p.Address)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Principal: p, ExpiresAt: expiresAt}, nil
}

// IssueToken signs a token for address.
func (s *Service) IssueToken(address account.Address) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   string(address),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken validates a JWT and returns the caller address it names.
func (s *Service) VerifyToken(tokenString string) (account.Address, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}

	address := account.Address(claims.Subject)
	if err := address.Validate(); err != nil {
		return "", fmt.Errorf("auth: invalid subject in token: %w", err)
	}
	return address, nil
}
