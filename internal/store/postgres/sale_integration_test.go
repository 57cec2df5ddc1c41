package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("TEACORNER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TEACORNER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestRecordSaleDecrementsStockAndRejectsOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	seller, err := s.CreateUser(ctx, domain.UserAccount{
		Username: fmt.Sprintf("it-cashier-%d", stamp),
		Password: "hash",
		Active:   true,
	})
	require.NoError(t, err)
	tea, err := s.CreateTea(ctx, domain.Tea{
		Name:          fmt.Sprintf("IT Green %d", stamp),
		Category:      domain.CategoryGreen,
		Price:         domain.MustMoney("380.00"),
		StockQuantity: 50,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM teas WHERE id = $1`, tea.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM app_users WHERE id = $1`, seller.ID)
	})

	sale, err := s.RecordSale(ctx, domain.Sale{TeaID: tea.ID, Quantity: 10, SoldBy: seller.ID})
	require.NoError(t, err)
	assert.Equal(t, "3800.00", sale.TotalAmount.String())
	assert.Equal(t, seller.Username, sale.SoldByUsername)

	after, err := s.GetTea(ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, after.StockQuantity)

	_, err = s.RecordSale(ctx, domain.Sale{TeaID: tea.ID, Quantity: 41, SoldBy: seller.ID})
	var shortage *store.StockShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, 40, shortage.Available)

	_, err = s.CreateTea(ctx, domain.Tea{Name: tea.Name, Category: domain.CategoryBlack, Price: domain.MustMoney("1.00")})
	assert.ErrorIs(t, err, store.ErrDuplicateName)

	window := store.SalesWindow{From: sale.SoldAt.Add(-time.Minute), To: sale.SoldAt.Add(time.Minute), Location: time.UTC}
	totals, err := s.SalesTotals(ctx, window)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, totals.TotalTransactions, int64(1))
}

func TestRecordSaleOverflowRollsBackStock(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	tea, err := s.CreateTea(ctx, domain.Tea{
		Name:          fmt.Sprintf("IT Reserve %d", time.Now().UnixNano()),
		Category:      domain.CategoryBlack,
		Price:         domain.MustMoney("60000000.00"),
		StockQuantity: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM teas WHERE id = $1`, tea.ID)
	})

	_, err = s.RecordSale(ctx, domain.Sale{TeaID: tea.ID, Quantity: 2})
	assert.ErrorIs(t, err, store.ErrAmountOverflow)

	after, err := s.GetTea(ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, after.StockQuantity)
}

func TestUpdateTeaKeepsConcurrentSaleDecrement(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()

	seller, err := s.CreateUser(ctx, domain.UserAccount{
		Username: fmt.Sprintf("it-seller-%d", stamp),
		Password: "hash",
		Active:   true,
	})
	require.NoError(t, err)
	tea, err := s.CreateTea(ctx, domain.Tea{
		Name:          fmt.Sprintf("IT Oolong %d", stamp),
		Category:      domain.CategoryOolong,
		Price:         domain.MustMoney("650.00"),
		StockQuantity: 40,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM teas WHERE id = $1`, tea.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM app_users WHERE id = $1`, seller.ID)
	})

	saleDone := make(chan error, 1)
	updated, err := s.UpdateTea(ctx, tea.ID, func(current domain.Tea) (domain.Tea, error) {
		// This sale blocks on the row lock until the update commits.
		go func() {
			_, err := s.RecordSale(ctx, domain.Sale{TeaID: tea.ID, Quantity: 3, SoldBy: seller.ID})
			saleDone <- err
		}()
		time.Sleep(100 * time.Millisecond)
		current.Price = domain.MustMoney("700.00")
		return current, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.StockQuantity)
	require.NoError(t, <-saleDone)

	after, err := s.GetTea(ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 37, after.StockQuantity)
	assert.Equal(t, "700.00", after.Price.String())
}
