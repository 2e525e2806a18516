// Package user handles account registration and profiles. Registration
// issues the API key the client uses for every authenticated call.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/farmart/internal/auth"
	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/store"
	"github.com/mbd888/farmart/internal/validation"
)

var (
	ErrPhoneTaken   = errors.New("phone number already registered")
	ErrInvalidPhone = errors.New("phone number must be a Kenyan mobile number")
	ErrInvalidRole  = errors.New("role must be farmer or buyer")
)

// RegisterRequest contains the parameters for creating an account.
type RegisterRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// Registration is the result of a successful signup. APIKey is the raw
// key, shown exactly once.
type Registration struct {
	User   *store.User `json:"user"`
	APIKey string      `json:"apiKey"`
	KeyID  string      `json:"keyId"`
}

// Service implements account business logic.
type Service struct {
	store store.Store
	auth  *auth.Manager
}

// NewService creates a new user service.
func NewService(st store.Store, mgr *auth.Manager) *Service {
	return &Service{store: st, auth: mgr}
}

// Register creates an account and issues its first API key. Admin
// accounts cannot be self-registered.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	role := store.Role(strings.ToLower(req.Role))
	if role != store.RoleFarmer && role != store.RoleBuyer {
		return nil, ErrInvalidRole
	}

	u := &store.User{
		PhoneNumber: phone,
		Name:        validation.SanitizeString(req.Name, 200),
		Role:        role,
		CreatedAt:   time.Now(),
	}
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUserByPhone(ctx, phone); err == nil {
			return ErrPhoneTaken
		} else if !errors.Is(err, store.ErrUserNotFound) {
			return err
		}
		if err := tx.CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrPhoneTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rawKey, key, err := s.auth.GenerateKey(ctx, u.ID, "Registration key")
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("user registered", "userId", u.ID, "role", string(role))
	return &Registration{User: u, APIKey: rawKey, KeyID: key.ID}, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id int64) (*store.User, error) {
	return s.store.GetUser(ctx, id)
}

// NormalizePhone converts the accepted Kenyan phone formats
// (+2547XXXXXXXX, 07XXXXXXXX, 2547XXXXXXXX) to the canonical
// 254XXXXXXXXX form Daraja expects.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.ReplaceAll(p, "-", "")
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !validation.IsValidPhone(p) {
		return "", ErrInvalidPhone
	}
	return p, nil
}
