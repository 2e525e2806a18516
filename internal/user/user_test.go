package user

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/farmart/internal/auth"
	"github.com/mbd888/farmart/internal/store"
)

func newTestService() (*Service, *auth.Manager) {
	mgr := auth.NewManager(auth.NewMemoryStore())
	return NewService(store.NewMemoryStore(), mgr), mgr
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc, mgr := newTestService()

	reg, err := svc.Register(ctx, RegisterRequest{
		PhoneNumber: "0712345678",
		Name:        "  Wanjiku  ",
		Role:        "Farmer",
	})
	require.NoError(t, err)

	assert.NotZero(t, reg.User.ID)
	assert.Equal(t, "254712345678", reg.User.PhoneNumber)
	assert.Equal(t, "Wanjiku", reg.User.Name)
	assert.Equal(t, store.RoleFarmer, reg.User.Role)
	assert.True(t, strings.HasPrefix(reg.APIKey, "sk_"))

	// The issued key authenticates as the new user.
	key, err := mgr.ValidateKey(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, key.UserID)
}

func TestRegister_PhoneTaken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Register(ctx, RegisterRequest{PhoneNumber: "254712345678", Name: "First", Role: "buyer"})
	require.NoError(t, err)

	// Same number in a different format still collides.
	_, err = svc.Register(ctx, RegisterRequest{PhoneNumber: "+254712345678", Name: "Second", Role: "buyer"})
	assert.ErrorIs(t, err, ErrPhoneTaken)
}

func TestRegister_RejectsAdminRole(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Register(context.Background(), RegisterRequest{
		PhoneNumber: "254712345678",
		Name:        "Sneaky",
		Role:        "admin",
	})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestRegister_RejectsBadPhone(t *testing.T) {
	svc, _ := newTestService()

	for _, phone := range []string{"12345", "25571234567", "notaphone", ""} {
		_, err := svc.Register(context.Background(), RegisterRequest{
			PhoneNumber: phone,
			Name:        "X",
			Role:        "buyer",
		})
		assert.ErrorIs(t, err, ErrInvalidPhone, "phone %q", phone)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0712345678":      "254712345678",
		"+254712345678":   "254712345678",
		"254712345678":    "254712345678",
		"0110123456":      "254110123456",
		"0712 345 678":    "254712345678",
		"+254-712-345678": "254712345678",
	}
	for in, want := range cases {
		got, err := NormalizePhone(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}
