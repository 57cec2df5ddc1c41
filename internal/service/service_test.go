package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ceylontea/backend/internal/cache"
	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
	"ceylontea/backend/internal/store/memory"
)

type fixture struct {
	svc     *Service
	repo    *memory.Store
	reports *cache.MemoryReportCache
	clock   time.Time
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:    memory.New(),
		reports: cache.NewMemoryReportCache(),
		clock:   time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC),
	}
	f.svc = New(f.repo, f.reports, zaptest.NewLogger(t), Options{
		CacheTTL: time.Minute,
		Now:      func() time.Time { return f.clock },
	})

	user, err := f.repo.CreateUser(context.Background(), domain.UserAccount{
		Username: "cashier",
		Password: "hash",
		Email:    "cashier@ceylonteacorner.com",
		Active:   true,
	})
	require.NoError(t, err)
	f.ctx = WithActor(context.Background(), domain.Actor{UserID: user.ID, Username: user.Username, Role: domain.RoleCashier})
	return f
}

func (f *fixture) tea(t *testing.T, name string, category string, price string, stock int) *domain.Tea {
	t.Helper()
	priceValue := domain.MustMoney(price)
	tea, err := f.svc.CreateTea(f.ctx, domain.TeaInput{
		Name:          &name,
		Category:      &category,
		Price:         &priceValue,
		StockQuantity: &stock,
	})
	require.NoError(t, err)
	return tea
}

func (f *fixture) sell(t *testing.T, teaID int64, qty int, at time.Time) *domain.Sale {
	t.Helper()
	f.clock = at
	sale, err := f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &teaID, Quantity: &qty})
	require.NoError(t, err)
	return sale
}

func validationFields(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	return verr.Fields
}

func TestCreateSaleComputesTotalAndDecrementsStock(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Ceylon Green Tea", "Green", "380.00", 50)

	sale := f.sell(t, tea.ID, 10, f.clock)

	assert.Equal(t, "380.00", sale.UnitPrice.String())
	assert.Equal(t, "3800.00", sale.TotalAmount.String())
	assert.Equal(t, "cashier", sale.SoldByUsername)
	assert.True(t, sale.TotalAmount.EqualTo(sale.UnitPrice.Times(sale.Quantity)))

	after, err := f.svc.GetTea(f.ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, after.StockQuantity)
}

func TestCreateSaleUsesPriceAtTimeOfSale(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Earl Grey Ceylon", "Black", "520.00", 75)

	first := f.sell(t, tea.ID, 1, f.clock)

	newPrice := domain.MustMoney("560.00")
	_, err := f.svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{Price: &newPrice}, true)
	require.NoError(t, err)

	second := f.sell(t, tea.ID, 1, f.clock)
	assert.Equal(t, "520.00", first.UnitPrice.String())
	assert.Equal(t, "560.00", second.UnitPrice.String())
}

func TestCreateSaleRejectsOversell(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Silver Tips White Tea", "White", "850.00", 3)
	qty := 5

	_, err := f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &tea.ID, Quantity: &qty})

	fields := validationFields(t, err)
	assert.Equal(t, []string{"Insufficient stock. Available: 3, Requested: 5"}, fields[NonFieldErrors])

	after, err := f.svc.GetTea(f.ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, after.StockQuantity)
	sales, err := f.svc.ListSales(f.ctx, SaleQuery{})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCreateSaleFieldErrors(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Ceylon Oolong", "Oolong", "650.00", 40)
	zero := 0
	one := 1
	missing := int64(9999)

	_, err := f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &tea.ID, Quantity: &zero})
	assert.Equal(t, []string{"Quantity must be greater than 0"}, validationFields(t, err)["quantity"])

	_, err = f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &missing, Quantity: &one})
	assert.Equal(t, []string{`Invalid pk "9999" - object does not exist.`}, validationFields(t, err)["tea"])

	_, err = f.svc.CreateSale(f.ctx, domain.SaleInput{})
	fields := validationFields(t, err)
	assert.Equal(t, []string{"This field is required."}, fields["tea"])
	assert.Equal(t, []string{"This field is required."}, fields["quantity"])
}

func TestCreateSaleRejectsTotalBeyondMaximum(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Estate Reserve", "Black", "60000000.00", 5)
	qty := 2

	_, err := f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &tea.ID, Quantity: &qty})
	assert.Equal(t, []string{"Sale total 120000000.00 exceeds the maximum of 99999999.99."}, validationFields(t, err)["quantity"])

	after, err := f.svc.GetTea(f.ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, after.StockQuantity)

	sale := f.sell(t, tea.ID, 1, f.clock)
	assert.Equal(t, "60000000.00", sale.TotalAmount.String())
}

func TestQuantitiesAreBoundedToInteger(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Breakfast Blend", "Black", "390.00", 90)
	huge := 1 << 40

	_, err := f.svc.CreateSale(f.ctx, domain.SaleInput{Tea: &tea.ID, Quantity: &huge})
	assert.Equal(t, []string{"Ensure this value is less than or equal to 2147483647."}, validationFields(t, err)["quantity"])

	_, err = f.svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{StockQuantity: &huge}, true)
	assert.Equal(t, []string{"Ensure this value is less than or equal to 2147483647."}, validationFields(t, err)["stock_quantity"])

	limit := domain.MaxQuantity
	updated, err := f.svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{StockQuantity: &limit}, true)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxQuantity, updated.StockQuantity)
}

// saleBeforeUpdate records a sale after the service asks to update a tea
// but before the store reads it.
type saleBeforeUpdate struct {
	*memory.Store
	sale domain.Sale
}

func (r saleBeforeUpdate) UpdateTea(ctx context.Context, id int64, apply func(domain.Tea) (domain.Tea, error)) (*domain.Tea, error) {
	if _, err := r.Store.RecordSale(ctx, r.sale); err != nil {
		return nil, err
	}
	return r.Store.UpdateTea(ctx, id, apply)
}

func TestPartialUpdateKeepsStockSoldMeanwhile(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Ceylon Green Tea", "Green", "380.00", 50)

	actor, _ := ActorFromContext(f.ctx)
	svc := New(saleBeforeUpdate{Store: f.repo, sale: domain.Sale{TeaID: tea.ID, Quantity: 5, SoldBy: actor.UserID}}, f.reports, zaptest.NewLogger(t), Options{})

	price := domain.MustMoney("400.00")
	updated, err := svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{Price: &price}, true)
	require.NoError(t, err)
	assert.Equal(t, "400.00", updated.Price.String())
	assert.Equal(t, 45, updated.StockQuantity)

	after, err := f.svc.GetTea(f.ctx, tea.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, after.StockQuantity)
}

func TestUpdateTeaMissing(t *testing.T) {
	f := newFixture(t)
	price := domain.MustMoney("400.00")

	_, err := f.svc.UpdateTea(f.ctx, 404, domain.TeaInput{Price: &price}, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleRequiresActor(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Breakfast Blend", "Black", "390.00", 90)
	qty := 1

	_, err := f.svc.CreateSale(context.Background(), domain.SaleInput{Tea: &tea.ID, Quantity: &qty})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateTeaValidation(t *testing.T) {
	f := newFixture(t)
	f.tea(t, "Ceylon Green Tea", "Green", "380.00", 50)

	name := "Ceylon Green Tea"
	category := "green"
	price := domain.MustMoney("400.00")
	_, err := f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &name, Category: &category, Price: &price})
	assert.Equal(t, []string{"tea with this name already exists."}, validationFields(t, err)["name"])

	other := "Mystery Leaf"
	badCategory := "Purple"
	badPrice := domain.MustMoney("-1.005")
	negative := -3
	_, err = f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &other, Category: &badCategory, Price: &badPrice, StockQuantity: &negative})
	fields := validationFields(t, err)
	assert.Equal(t, []string{`"Purple" is not a valid choice.`}, fields["category"])
	assert.Equal(t, []string{"Ensure this value is greater than or equal to 0."}, fields["price"])
	assert.Equal(t, []string{"Ensure this value is greater than or equal to 0."}, fields["stock_quantity"])

	_, err = f.svc.CreateTea(f.ctx, domain.TeaInput{})
	fields = validationFields(t, err)
	assert.Equal(t, []string{"This field is required."}, fields["name"])
	assert.Equal(t, []string{"This field is required."}, fields["category"])
	assert.Equal(t, []string{"This field is required."}, fields["price"])
}

func TestCreateTeaPriceDigits(t *testing.T) {
	f := newFixture(t)
	name := "Precise Tea"
	category := "Herbal"

	tooPrecise := domain.MustMoney("12.345")
	_, err := f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &name, Category: &category, Price: &tooPrecise})
	assert.Equal(t, []string{"Ensure that there are no more than 2 decimal places."}, validationFields(t, err)["price"])

	tooLarge := domain.MustMoney("123456789.12")
	_, err = f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &name, Category: &category, Price: &tooLarge})
	assert.Equal(t, []string{"Ensure that there are no more than 10 digits in total."}, validationFields(t, err)["price"])

	nineWhole := domain.MustMoney("123456789.10")
	_, err = f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &name, Category: &category, Price: &nineWhole})
	assert.Equal(t, []string{"Ensure that there are no more than 8 digits before the decimal point."}, validationFields(t, err)["price"])

	ok := domain.MustMoney("12345678.90")
	tea, err := f.svc.CreateTea(f.ctx, domain.TeaInput{Name: &name, Category: &category, Price: &ok})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryHerbal, tea.Category)
	assert.Equal(t, 0, tea.StockQuantity)
}

func TestUpdateTeaFullRequiresCoreFields(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Jasmine Green Tea", "Green", "420.00", 60)
	stock := 10

	_, err := f.svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{StockQuantity: &stock}, false)
	fields := validationFields(t, err)
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "price")

	updated, err := f.svc.UpdateTea(f.ctx, tea.ID, domain.TeaInput{StockQuantity: &stock}, true)
	require.NoError(t, err)
	assert.Equal(t, 10, updated.StockQuantity)
	assert.Equal(t, "Jasmine Green Tea", updated.Name)
	assert.Equal(t, "420.00", updated.Price.String())
}

func TestDeleteTeaRemovesSales(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Peppermint Herbal", "Herbal", "290.00", 70)
	f.sell(t, tea.ID, 2, f.clock)

	require.NoError(t, f.svc.DeleteTea(f.ctx, tea.ID))

	sales, err := f.svc.ListSales(f.ctx, SaleQuery{})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestListSalesDateBoundsAreInclusiveDays(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Chamomile Herbal", "Herbal", "320.00", 80)

	f.sell(t, tea.ID, 1, time.Date(2024, 1, 9, 23, 59, 0, 0, time.UTC))
	f.sell(t, tea.ID, 1, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	f.sell(t, tea.ID, 1, time.Date(2024, 1, 12, 23, 59, 59, 0, time.UTC))
	f.sell(t, tea.ID, 1, time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC))

	sales, err := f.svc.ListSales(f.ctx, SaleQuery{StartDate: "2024-01-10", EndDate: "2024-01-12"})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.True(t, sales[0].SoldAt.After(sales[1].SoldAt))

	herbal, err := f.svc.ListSales(f.ctx, SaleQuery{Category: "HERBAL"})
	require.NoError(t, err)
	assert.Len(t, herbal, 4)

	_, err = f.svc.ListSales(f.ctx, SaleQuery{StartDate: "10/01/2024"})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSummaryReportForJanuary(t *testing.T) {
	f := newFixture(t)
	cheap := f.tea(t, "Ceylon Orange Pekoe", "Black", "100.00", 20)
	dear := f.tea(t, "Cinnamon Spice Tea", "Flavored", "250.00", 20)

	f.sell(t, cheap.ID, 1, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))
	f.sell(t, dear.ID, 1, time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC))
	f.sell(t, dear.ID, 1, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC))

	report, err := f.svc.Report(f.ctx, ReportQuery{Type: "summary", StartDate: "2024-01-01", EndDate: "2024-01-31"})
	require.NoError(t, err)

	assert.Equal(t, "summary", report.Type)
	require.NotNil(t, report.Totals)
	assert.Equal(t, "350.00", report.Totals.TotalAmount.String())
	assert.Equal(t, int64(2), report.Totals.TotalTransactions)
	assert.Equal(t, int64(2), report.Totals.TotalQuantity)
	assert.Len(t, report.TopTeas, 2)
	assert.Empty(t, report.LowStockAlerts)
}

func TestReportSectionsAgree(t *testing.T) {
	f := newFixture(t)
	green := f.tea(t, "Ceylon Green Tea", "Green", "380.00", 50)
	black := f.tea(t, "Breakfast Blend", "Black", "390.00", 90)
	herbal := f.tea(t, "Lemon Ginger Herbal", "Herbal", "350.00", 12)

	f.sell(t, green.ID, 3, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))
	f.sell(t, black.ID, 2, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))
	f.sell(t, herbal.ID, 4, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))
	f.sell(t, green.ID, 1, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC))

	q := ReportQuery{StartDate: "2024-01-01", EndDate: "2024-01-31"}

	daily, err := f.svc.Report(f.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "daily_sales", daily.Type)
	require.Len(t, daily.Data, 3)
	assert.Equal(t, "2024-01-02", daily.Data[0].Date)
	assert.Equal(t, int64(2), daily.Data[0].TeaCount)

	q.Type = "category"
	category, err := f.svc.Report(f.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "category_sales", category.Type)
	require.Len(t, category.Data, 3)
	assert.Equal(t, domain.CategoryGreen, category.Data[0].Category)

	q.Type = "summary"
	summary, err := f.svc.Report(f.ctx, q)
	require.NoError(t, err)

	var dailySum, categorySum domain.Money
	for _, row := range daily.Data {
		dailySum = dailySum.Plus(row.TotalSales)
	}
	for _, row := range category.Data {
		categorySum = categorySum.Plus(row.TotalSales)
	}
	assert.True(t, dailySum.EqualTo(summary.Totals.TotalAmount))
	assert.True(t, categorySum.EqualTo(summary.Totals.TotalAmount))
	assert.Equal(t, "3700.00", summary.Totals.TotalAmount.String())

	require.Len(t, summary.LowStockAlerts, 1)
	assert.Equal(t, "Lemon Ginger Herbal", summary.LowStockAlerts[0].Name)
	assert.Equal(t, "Green", string(summary.TopTeas[0].Category))
}

func TestReportRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Report(f.ctx, ReportQuery{Type: "weekly"})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, err, ErrInvalidReportType)
	assert.Equal(t, "Invalid report type. Use: daily, category, or summary", err.Error())

	_, err = f.svc.Report(f.ctx, ReportQuery{EndDate: "2024-13-01"})
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestReportDefaultsToLastThirtyDays(t *testing.T) {
	f := newFixture(t)

	report, err := f.svc.Report(f.ctx, ReportQuery{})
	require.NoError(t, err)
	assert.Equal(t, "daily_sales", report.Type)
	assert.Equal(t, "2024-01-15", report.EndDate)
	assert.Equal(t, "2023-12-16", report.StartDate)
	assert.NotNil(t, report.Data)
}

func TestReportCacheIsInvalidatedBySales(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Vanilla Ceylon Black", "Flavored", "480.00", 55)
	q := ReportQuery{Type: "summary", StartDate: "2024-01-01", EndDate: "2024-01-31"}

	f.sell(t, tea.ID, 1, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	first, err := f.svc.Report(f.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "480.00", first.Totals.TotalAmount.String())

	gen, err := f.reports.Generation(f.ctx)
	require.NoError(t, err)
	cached, hit, err := f.reports.Get(f.ctx, reportCacheKey(gen, "summary", "2024-01-01", "2024-01-31"))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "480.00", cached.Totals.TotalAmount.String())

	f.sell(t, tea.ID, 1, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	second, err := f.svc.Report(f.ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "960.00", second.Totals.TotalAmount.String())
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	tea := f.tea(t, "Ceylon Orange Pekoe", "Black", "450.00", 12)

	f.sell(t, tea.ID, 1, time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC))
	f.sell(t, tea.ID, 2, time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))
	f.sell(t, tea.ID, 1, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC))
	f.clock = time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC)

	dash, err := f.svc.Dashboard(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, "2024-01-15", dash.Date)
	assert.Equal(t, int64(1), dash.Today.SalesCount)
	assert.Equal(t, "450.00", dash.Today.Revenue.String())
	assert.Equal(t, int64(2), dash.ThisMonth.SalesCount)
	assert.Equal(t, int64(3), dash.ThisMonth.QuantitySold)
	assert.Equal(t, domain.InventorySnapshot{TotalTeas: 1, TotalStock: 8, LowStockCount: 1}, dash.Inventory)
}

func TestProfileDefaultsToCashier(t *testing.T) {
	f := newFixture(t)

	profile, err := f.svc.Profile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "cashier", profile.Username)
	assert.Equal(t, domain.RoleCashier, profile.Role)

	_, err = f.svc.Profile(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
