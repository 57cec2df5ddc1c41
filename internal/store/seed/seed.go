// Package seed holds the sample catalogue and staff accounts used by the
// in-memory store and the seed command.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
)

type User struct {
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	Role      domain.Role
}

type Result struct {
	TeasCreated  int
	UsersCreated int
}

func Teas() []domain.Tea {
	return []domain.Tea{
		sampleTea("Ceylon Orange Pekoe", domain.CategoryBlack, "450.00", "Premium black tea from the highlands of Sri Lanka", 100),
		sampleTea("Earl Grey Ceylon", domain.CategoryBlack, "520.00", "Classic Earl Grey with Ceylon black tea base", 75),
		sampleTea("Ceylon Green Tea", domain.CategoryGreen, "380.00", "Fresh green tea with a light, refreshing taste", 50),
		sampleTea("Jasmine Green Tea", domain.CategoryGreen, "420.00", "Green tea scented with jasmine flowers", 60),
		sampleTea("Silver Tips White Tea", domain.CategoryWhite, "850.00", "Delicate white tea with subtle flavor", 25),
		sampleTea("Ceylon Oolong", domain.CategoryOolong, "650.00", "Semi-fermented tea with complex flavor profile", 40),
		sampleTea("Chamomile Herbal", domain.CategoryHerbal, "320.00", "Caffeine-free chamomile flowers for relaxation", 80),
		sampleTea("Peppermint Herbal", domain.CategoryHerbal, "290.00", "Refreshing peppermint herbal tea", 70),
		sampleTea("Vanilla Ceylon Black", domain.CategoryFlavored, "480.00", "Ceylon black tea with natural vanilla flavoring", 55),
		sampleTea("Cinnamon Spice Tea", domain.CategoryFlavored, "410.00", "Spiced tea blend with cinnamon and other warming spices", 65),
		sampleTea("Lemon Ginger Herbal", domain.CategoryHerbal, "350.00", "Zesty lemon and warming ginger herbal blend", 45),
		sampleTea("Breakfast Blend", domain.CategoryBlack, "390.00", "Strong morning blend perfect with milk", 90),
	}
}

// Users builds the staff accounts. Passwords come from SEED_ADMIN_PASSWORD,
// SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev
// defaults.
func Users() []User {
	return []User{
		{Username: "admin", Password: envOr("SEED_ADMIN_PASSWORD", "admin123"), Email: "admin@ceylonteacorner.com", FirstName: "Admin", LastName: "User", Role: domain.RoleAdmin},
		{Username: "manager", Password: envOr("SEED_MANAGER_PASSWORD", "manager123"), Email: "manager@ceylonteacorner.com", FirstName: "Manager", LastName: "User", Role: domain.RoleManager},
		{Username: "cashier", Password: envOr("SEED_CASHIER_PASSWORD", "cashier123"), Email: "cashier@ceylonteacorner.com", FirstName: "Cashier", LastName: "User", Role: domain.RoleCashier},
	}
}

// UsingDefaultPasswords reports whether any seed password fell back to its
// dev default.
func UsingDefaultPasswords() bool {
	for _, key := range []string{"SEED_ADMIN_PASSWORD", "SEED_MANAGER_PASSWORD", "SEED_CASHIER_PASSWORD"} {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			return true
		}
	}
	return false
}

// Apply inserts teas and users that do not exist yet. Existing records are
// left untouched, so Apply can run repeatedly.
func Apply(ctx context.Context, repo store.Repository, teas []domain.Tea, users []User, cost int, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result

	for _, tea := range teas {
		if _, err := repo.CreateTea(ctx, tea); err != nil {
			if errors.Is(err, store.ErrDuplicateName) {
				logger.Debug("tea already exists", zap.String("name", tea.Name))
				continue
			}
			return result, fmt.Errorf("seed tea %q: %w", tea.Name, err)
		}
		result.TeasCreated++
		logger.Debug("created tea", zap.String("name", tea.Name))
	}

	for _, u := range users {
		if _, err := repo.GetUserByUsername(ctx, u.Username); err == nil {
			logger.Debug("user already exists", zap.String("username", u.Username))
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return result, fmt.Errorf("seed user %q: %w", u.Username, err)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
		if err != nil {
			return result, fmt.Errorf("hash seed password for %s: %w", u.Username, err)
		}
		created, err := repo.CreateUser(ctx, domain.UserAccount{
			Username:  u.Username,
			Password:  string(hash),
			Email:     u.Email,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Active:    true,
		})
		if err != nil {
			return result, fmt.Errorf("seed user %q: %w", u.Username, err)
		}
		if _, err := repo.GetOrCreateProfile(ctx, created.ID, u.Role); err != nil {
			return result, fmt.Errorf("seed profile %q: %w", u.Username, err)
		}
		result.UsersCreated++
		logger.Debug("created user", zap.String("username", u.Username), zap.String("role", string(u.Role)))
	}

	return result, nil
}

// Clear deletes every tea, which cascades to their sales.
func Clear(ctx context.Context, repo store.TeaStore) (int, error) {
	teas, err := repo.ListTeas(ctx, domain.TeaFilter{})
	if err != nil {
		return 0, err
	}
	for _, tea := range teas {
		if err := repo.DeleteTea(ctx, tea.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("delete tea %d: %w", tea.ID, err)
		}
	}
	return len(teas), nil
}

func sampleTea(name string, category domain.Category, price string, description string, stock int) domain.Tea {
	desc := description
	return domain.Tea{
		Name:          name,
		Category:      category,
		Price:         domain.MustMoney(price),
		Description:   &desc,
		StockQuantity: stock,
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
