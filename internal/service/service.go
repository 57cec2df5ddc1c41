package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ceylontea/backend/internal/cache"
	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
)

const (
	dateLayout        = "2006-01-02"
	defaultReportDays = 30
	topTeasLimit      = 10

	DefaultLowStockThreshold = 10
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// CacheTTL is how long rendered reports stay cached. Zero disables caching.
	CacheTTL time.Duration
	// LowStockThreshold marks teas with stock strictly below it.
	LowStockThreshold int
	// Location decides which calendar day a sale belongs to.
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	repo     store.Repository
	reports  cache.ReportCache
	logger   *zap.Logger
	validate *validator.Validate

	cacheTTL time.Duration
	lowStock int
	loc      *time.Location
	now      func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, logger *zap.Logger, opts Options) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = DefaultLowStockThreshold
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:     repo,
		reports:  reports,
		logger:   logger.Named("service"),
		validate: newValidator(),
		cacheTTL: opts.CacheTTL,
		lowStock: opts.LowStockThreshold,
		loc:      opts.Location,
		now:      opts.Now,
	}
}

func (s *Service) ListTeas(ctx context.Context, filter domain.TeaFilter) ([]domain.Tea, error) {
	filter.Category = strings.TrimSpace(filter.Category)
	filter.Search = strings.TrimSpace(filter.Search)
	return s.repo.ListTeas(ctx, filter)
}

func (s *Service) GetTea(ctx context.Context, id int64) (*domain.Tea, error) {
	return s.repo.GetTea(ctx, id)
}

func (s *Service) CreateTea(ctx context.Context, in domain.TeaInput) (*domain.Tea, error) {
	tea, err := s.buildTea(domain.Tea{}, in, true)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateTea(ctx, tea)
	if err != nil {
		return nil, teaWriteError("create tea", err)
	}

	s.invalidateReports(ctx)
	s.logger.Info("tea created", zap.Int64("tea_id", created.ID), zap.String("name", created.Name))
	return created, nil
}

// UpdateTea replaces the tea's fields. With partial set only supplied fields
// change; otherwise name, category and price must all be present. Fields
// not supplied keep the values current at write time.
func (s *Service) UpdateTea(ctx context.Context, id int64, in domain.TeaInput, partial bool) (*domain.Tea, error) {
	updated, err := s.repo.UpdateTea(ctx, id, func(current domain.Tea) (domain.Tea, error) {
		return s.buildTea(current, in, !partial)
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, teaWriteError("update tea", err)
	}

	s.invalidateReports(ctx)
	s.logger.Info("tea updated", zap.Int64("tea_id", updated.ID), zap.Int("stock_quantity", updated.StockQuantity))
	return updated, nil
}

func (s *Service) DeleteTea(ctx context.Context, id int64) error {
	if err := s.repo.DeleteTea(ctx, id); err != nil {
		return err
	}
	s.invalidateReports(ctx)
	s.logger.Info("tea deleted", zap.Int64("tea_id", id))
	return nil
}

type SaleQuery struct {
	StartDate string
	EndDate   string
	Category  string
}

// ListSales filters on the calendar date of sold_at; both bounds are
// inclusive days.
func (s *Service) ListSales(ctx context.Context, q SaleQuery) ([]domain.Sale, error) {
	filter := domain.SaleFilter{Category: strings.TrimSpace(q.Category)}

	if raw := strings.TrimSpace(q.StartDate); raw != "" {
		day, err := s.parseDate(raw)
		if err != nil {
			return nil, err
		}
		filter.From = &day
	}
	if raw := strings.TrimSpace(q.EndDate); raw != "" {
		day, err := s.parseDate(raw)
		if err != nil {
			return nil, err
		}
		next := day.AddDate(0, 0, 1)
		filter.To = &next
	}

	return s.repo.ListSales(ctx, filter)
}

func (s *Service) CreateSale(ctx context.Context, in domain.SaleInput) (*domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	verr := &ValidationError{}
	s.collect(saleRules{Tea: in.Tea, Quantity: in.Quantity, CustomerName: in.CustomerName}, verr)
	if in.Quantity != nil && *in.Quantity <= 0 {
		verr.Add("quantity", "Quantity must be greater than 0")
	}
	if in.Tea != nil {
		if _, err := s.repo.GetTea(ctx, *in.Tea); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("lookup tea: %w", err)
			}
			verr.Add("tea", invalidPK(*in.Tea))
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	recorded, err := s.repo.RecordSale(ctx, domain.Sale{
		TeaID:        *in.Tea,
		Quantity:     *in.Quantity,
		SoldAt:       s.now().UTC(),
		SoldBy:       actor.UserID,
		CustomerName: in.CustomerName,
		Notes:        in.Notes,
	})
	if err != nil {
		var (
			shortage *store.StockShortageError
			overflow *store.TotalOverflowError
		)
		switch {
		case errors.As(err, &shortage):
			return nil, fieldError(NonFieldErrors, fmt.Sprintf("Insufficient stock. Available: %d, Requested: %d", shortage.Available, shortage.Requested))
		case errors.As(err, &overflow):
			return nil, fieldError("quantity", fmt.Sprintf("Sale total %s exceeds the maximum of %s.", overflow.Total, domain.MaxAmount))
		case errors.Is(err, store.ErrNotFound):
			return nil, fieldError("tea", invalidPK(*in.Tea))
		case errors.Is(err, store.ErrInvalidRecord):
			return nil, fieldError(NonFieldErrors, "Invalid sale values.")
		}
		return nil, fmt.Errorf("record sale: %w", err)
	}

	s.invalidateReports(ctx)
	s.logger.Info("sale recorded",
		zap.Int64("sale_id", recorded.ID),
		zap.Int64("tea_id", recorded.TeaID),
		zap.Int("quantity", recorded.Quantity),
		zap.Stringer("total_amount", recorded.TotalAmount),
		zap.String("sold_by", actor.Username),
	)
	return recorded, nil
}

type ReportQuery struct {
	Type      string
	StartDate string
	EndDate   string
}

func (s *Service) Report(ctx context.Context, q ReportQuery) (*domain.Report, error) {
	reportType := strings.TrimSpace(q.Type)
	if reportType == "" {
		reportType = domain.ReportTypeDaily
	}

	end := s.today()
	if raw := strings.TrimSpace(q.EndDate); raw != "" {
		day, err := s.parseDate(raw)
		if err != nil {
			return nil, err
		}
		end = day
	}
	start := end.AddDate(0, 0, -defaultReportDays)
	if raw := strings.TrimSpace(q.StartDate); raw != "" {
		day, err := s.parseDate(raw)
		if err != nil {
			return nil, err
		}
		start = day
	}

	switch reportType {
	case domain.ReportTypeDaily, domain.ReportTypeCategory, domain.ReportTypeSummary:
	default:
		return nil, invalidParameter(ErrInvalidReportType)
	}

	window := store.SalesWindow{From: start, To: end.AddDate(0, 0, 1), Location: s.loc}
	startDate, endDate := start.Format(dateLayout), end.Format(dateLayout)

	key, cacheable := s.reportKey(ctx, reportType, startDate, endDate)
	if cacheable {
		cached, hit, err := s.reports.Get(ctx, key)
		if err != nil {
			s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			return cached, nil
		}
	}

	report := &domain.Report{StartDate: startDate, EndDate: endDate}
	switch reportType {
	case domain.ReportTypeDaily:
		rows, err := s.repo.SalesByDay(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("daily report: %w", err)
		}
		report.Type = "daily_sales"
		report.Data = rows
	case domain.ReportTypeCategory:
		rows, err := s.repo.SalesByCategory(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("category report: %w", err)
		}
		report.Type = "category_sales"
		report.Data = rows
	case domain.ReportTypeSummary:
		totals, err := s.repo.SalesTotals(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("summary totals: %w", err)
		}
		top, err := s.repo.TopTeas(ctx, window, topTeasLimit)
		if err != nil {
			return nil, fmt.Errorf("top teas: %w", err)
		}
		low, err := s.repo.LowStockTeas(ctx, s.lowStock)
		if err != nil {
			return nil, fmt.Errorf("low stock: %w", err)
		}
		report.Type = domain.ReportTypeSummary
		report.Totals = &totals
		report.TopTeas = top
		report.LowStockAlerts = low
	}

	if cacheable {
		if err := s.reports.Set(ctx, key, report, s.cacheTTL); err != nil {
			s.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return report, nil
}

func (s *Service) Dashboard(ctx context.Context) (*domain.Dashboard, error) {
	today := s.today()
	tomorrow := today.AddDate(0, 0, 1)
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, s.loc)

	todayTotals, err := s.repo.SalesTotals(ctx, store.SalesWindow{From: today, To: tomorrow, Location: s.loc})
	if err != nil {
		return nil, fmt.Errorf("today totals: %w", err)
	}
	monthTotals, err := s.repo.SalesTotals(ctx, store.SalesWindow{From: monthStart, To: tomorrow, Location: s.loc})
	if err != nil {
		return nil, fmt.Errorf("month totals: %w", err)
	}
	inventory, err := s.repo.InventorySnapshot(ctx, s.lowStock)
	if err != nil {
		return nil, fmt.Errorf("inventory snapshot: %w", err)
	}

	return &domain.Dashboard{
		Today:     periodStats(todayTotals),
		ThisMonth: periodStats(monthTotals),
		Inventory: inventory,
		Date:      today.Format(dateLayout),
	}, nil
}

// Profile returns the caller's profile, creating a cashier profile for
// accounts that never had one.
func (s *Service) Profile(ctx context.Context) (*domain.ProfileResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	user, err := s.repo.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	profile, err := s.repo.GetOrCreateProfile(ctx, user.ID, domain.RoleCashier)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}

	return &domain.ProfileResponse{
		Username:    user.Username,
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		PhoneNumber: profile.PhoneNumber,
		Role:        profile.Role,
		CreatedAt:   profile.CreatedAt,
	}, nil
}

func (s *Service) buildTea(base domain.Tea, in domain.TeaInput, requireAll bool) (domain.Tea, error) {
	verr := &ValidationError{}
	if requireAll {
		if in.Name == nil {
			verr.Add("name", "This field is required.")
		}
		if in.Category == nil {
			verr.Add("category", "This field is required.")
		}
		if in.Price == nil {
			verr.Add("price", "This field is required.")
		}
	}

	tea := base
	if in.Name != nil {
		tea.Name = strings.TrimSpace(*in.Name)
	}
	if in.Category != nil {
		category, ok := domain.ParseCategory(*in.Category)
		if ok {
			tea.Category = category
		} else {
			verr.Add("category", fmt.Sprintf("\"%s\" is not a valid choice.", *in.Category))
		}
	}
	if in.Price != nil {
		tea.Price = *in.Price
	}
	if in.Description != nil {
		desc := *in.Description
		tea.Description = &desc
	}
	if in.StockQuantity != nil {
		tea.StockQuantity = *in.StockQuantity
	}

	s.collect(teaRules{Name: tea.Name, Price: tea.Price, StockQuantity: tea.StockQuantity}, verr)
	if err := verr.orNil(); err != nil {
		return domain.Tea{}, err
	}
	return tea, nil
}

func (s *Service) reportKey(ctx context.Context, reportType string, startDate string, endDate string) (string, bool) {
	if s.cacheTTL <= 0 {
		return "", false
	}
	gen, err := s.reports.Generation(ctx)
	if err != nil {
		s.logger.Warn("report cache generation unavailable", zap.Error(err))
		return "", false
	}
	return reportCacheKey(gen, reportType, startDate, endDate), true
}

func reportCacheKey(gen int64, reportType string, startDate string, endDate string) string {
	return fmt.Sprintf("report:%d:%s:%s:%s", gen, reportType, startDate, endDate)
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		s.logger.Warn("report cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) today() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Service) parseDate(raw string) (time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, invalidParameter(ErrInvalidDate)
	}
	return day, nil
}

func periodStats(totals domain.SalesTotals) domain.PeriodStats {
	return domain.PeriodStats{
		SalesCount:   totals.TotalTransactions,
		Revenue:      totals.TotalAmount,
		QuantitySold: totals.TotalQuantity,
	}
}

func invalidPK(id int64) string {
	return fmt.Sprintf("Invalid pk \"%d\" - object does not exist.", id)
}

func teaWriteError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return fieldError("name", "tea with this name already exists.")
	case errors.Is(err, store.ErrNotFound):
		return err
	case errors.Is(err, store.ErrInvalidRecord):
		return fieldError(NonFieldErrors, "Invalid tea values.")
	}
	return fmt.Errorf("%s: %w", op, err)
}
