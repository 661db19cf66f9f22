package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowflow/account"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	req := RegisterRequest{Address: "alice", Password: "supersafe"}

	ctx := context.Background()
	p, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if p.Address != req.Address {
		t.Fatalf("expected address %q got %q", req.Address, p.Address)
	}
	if p.PasswordHash == req.Password {
		t.Fatal("register: password stored in clear")
	}

	resp, err := svc.Login(ctx, LoginRequest{Address: req.Address, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("login: expected future expiry, got %v", resp.ExpiresAt)
	}

	caller, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if caller != req.Address {
		t.Fatalf("verify token: expected %q got %q", req.Address, caller)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	_, err := svc.Register(context.Background(), RegisterRequest{Address: "alice", Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{Address: "has space", Password: "strongpassword"})
	if !errors.Is(err, account.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestService_RegisterRejectsReservedAddress(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0, "escrow:custody")

	_, err := svc.Register(context.Background(), RegisterRequest{Address: "escrow:custody", Password: "strongpassword"})
	if !errors.Is(err, account.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := repo.GetPrincipal(context.Background(), "escrow:custody"); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected no principal for the custody account, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Address: "escrow:alice", Password: "strongpassword"}); err != nil {
		t.Fatalf("register neighbour address: %v", err)
	}
}

func TestService_DuplicateAddress(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	req := RegisterRequest{Address: "alice", Password: "strongpassword"}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("expected ErrDuplicateAddress, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginRequest{Address: "unknown", Password: "irrelevant"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterRequest{Address: "alice", Password: "strongpassword"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(ctx, LoginRequest{Address: "alice", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	other := NewService(newFakeRepository(), "other-secret", 0)
	foreign, _, err := other.IssueToken("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyToken(foreign); err == nil {
		t.Fatal("expected error for token signed with another secret")
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(signed); err == nil {
		t.Fatal("expected error for expired token")
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(noSubject); err == nil {
		t.Fatal("expected error for token without subject")
	}
}

type fakeRepository struct {
	principals map[account.Address]Principal
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{principals: make(map[account.Address]Principal)}
}

func (f *fakeRepository) CreatePrincipal(ctx context.Context, address account.Address, passwordHash string) (Principal, error) {
	if _, exists := f.principals[address]; exists {
		return Principal{}, ErrDuplicateAddress
	}
	p := Principal{Address: address, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	f.principals[address] = p
	return p, nil
}

func (f *fakeRepository) GetPrincipal(ctx context.Context, address account.Address) (Principal, error) {
	p, ok := f.principals[address]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}
