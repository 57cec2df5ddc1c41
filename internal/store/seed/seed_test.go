package seed_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store/memory"
	"ceylontea/backend/internal/store/seed"
)

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	logger := zaptest.NewLogger(t)
	users := []seed.User{{Username: "manager", Password: "manager123", Role: domain.RoleManager}}

	first, err := seed.Apply(ctx, repo, seed.Teas(), users, bcrypt.MinCost, logger)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{TeasCreated: 12, UsersCreated: 1}, first)

	second, err := seed.Apply(ctx, repo, seed.Teas(), users, bcrypt.MinCost, logger)
	require.NoError(t, err)
	assert.Equal(t, seed.Result{}, second)

	user, err := repo.GetUserByUsername(ctx, "manager")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("manager123")))
	profile, err := repo.GetOrCreateProfile(ctx, user.ID, domain.RoleCashier)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, profile.Role)
}

func TestClearRemovesTeas(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	_, err := seed.Apply(ctx, repo, seed.Teas(), nil, bcrypt.MinCost, nil)
	require.NoError(t, err)

	removed, err := seed.Clear(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 12, removed)

	teas, err := repo.ListTeas(ctx, domain.TeaFilter{})
	require.NoError(t, err)
	assert.Empty(t, teas)
}

func TestUsersReadPasswordsFromEnv(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "s3cret-admin")
	t.Setenv("SEED_MANAGER_PASSWORD", "s3cret-manager")
	t.Setenv("SEED_CASHIER_PASSWORD", "s3cret-cashier")

	users := seed.Users()
	require.Len(t, users, 3)
	assert.Equal(t, "s3cret-admin", users[0].Password)
	assert.False(t, seed.UsingDefaultPasswords())

	t.Setenv("SEED_CASHIER_PASSWORD", "")
	assert.True(t, seed.UsingDefaultPasswords())
	assert.Equal(t, "cashier123", seed.Users()[2].Password)
}
