package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kasirinaja/inventory/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, user := range s.users {
		if strings.EqualFold(key, username) {
			user.Password = password
			s.users[key] = user
			s.updates++
		}
	}
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: roleAdmin, Active: true, CreatedAt: time.Now().UTC()},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected upgraded hash to be written back")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"kasir": {Username: "kasir", Password: "kasir123", Role: roleCashier, Active: false},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kasir", Password: "kasir123"})
	if !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "kasir", Password: "nope"})
	if !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestTokenRoundTripCarriesActor(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"Kasir": {Username: "Kasir", Password: "kasir123", Role: roleCashier, Active: true},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " kasir ", Password: "kasir123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "kasir" || actor.Role != roleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, store)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with a different secret must be rejected")
	}
}
