package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ceylontea/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrAmountOverflow    = errors.New("amount overflow")
)

// StockShortageError reports the stock seen when a sale was refused.
type StockShortageError struct {
	Available int
	Requested int
}

func (e *StockShortageError) Error() string {
	return fmt.Sprintf("insufficient stock: available %d, requested %d", e.Available, e.Requested)
}

func (e *StockShortageError) Unwrap() error {
	return ErrInsufficientStock
}

// TotalOverflowError is returned when quantity times unit price does not fit
// the total_amount column. Nothing is written.
type TotalOverflowError struct {
	Total domain.Money
}

func (e *TotalOverflowError) Error() string {
	return fmt.Sprintf("sale total %s exceeds %s", e.Total, domain.MaxAmount)
}

func (e *TotalOverflowError) Unwrap() error {
	return ErrAmountOverflow
}

// SalesWindow selects sales with From <= sold_at < To. Location decides the
// calendar date a sale is grouped under.
type SalesWindow struct {
	From     time.Time
	To       time.Time
	Location *time.Location
}

func (w SalesWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

func (w SalesWindow) Loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

type TeaStore interface {
	ListTeas(ctx context.Context, filter domain.TeaFilter) ([]domain.Tea, error)
	GetTea(ctx context.Context, id int64) (*domain.Tea, error)
	CreateTea(ctx context.Context, tea domain.Tea) (*domain.Tea, error)
	// UpdateTea locks the tea, hands its current state to apply and writes
	// back what apply returns. Concurrent sales cannot interleave.
	UpdateTea(ctx context.Context, id int64, apply func(domain.Tea) (domain.Tea, error)) (*domain.Tea, error)
	DeleteTea(ctx context.Context, id int64) error
}

type SaleStore interface {
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	// RecordSale checks stock, prices the sale from the tea's current price,
	// inserts it and decrements stock as one atomic step.
	RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
}

type ReportStore interface {
	SalesByDay(ctx context.Context, window SalesWindow) ([]domain.ReportRow, error)
	SalesByCategory(ctx context.Context, window SalesWindow) ([]domain.ReportRow, error)
	SalesTotals(ctx context.Context, window SalesWindow) (domain.SalesTotals, error)
	TopTeas(ctx context.Context, window SalesWindow, limit int) ([]domain.TopTea, error)
	LowStockTeas(ctx context.Context, threshold int) ([]domain.LowStockTea, error)
	InventorySnapshot(ctx context.Context, threshold int) (domain.InventorySnapshot, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	GetUserByID(ctx context.Context, id int64) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, id int64, password string) error
	// GetOrCreateProfile returns the user's profile, creating it with role
	// when none exists yet.
	GetOrCreateProfile(ctx context.Context, userID int64, role domain.Role) (*domain.UserProfile, error)
}

type Repository interface {
	TeaStore
	SaleStore
	ReportStore
	UserStore
}
