package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
	"ceylontea/backend/internal/store/seed"
)

type Store struct {
	mu             sync.RWMutex
	teas           map[int64]domain.Tea
	sales          map[int64]domain.Sale
	users          map[int64]domain.UserAccount
	userIDsByName  map[string]int64
	profilesByUser map[int64]domain.UserProfile
	nextTeaID      int64
	nextSaleID     int64
	nextUserID     int64
	now            func() time.Time
}

func New() *Store {
	return &Store{
		teas:           make(map[int64]domain.Tea),
		sales:          make(map[int64]domain.Sale),
		users:          make(map[int64]domain.UserAccount),
		userIDsByName:  make(map[string]int64),
		profilesByUser: make(map[int64]domain.UserProfile),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store holding the sample catalogue and the three staff
// accounts. It is meant for dev/demo mode; production runs on PostgreSQL.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if seed.UsingDefaultPasswords() {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	s := New()
	if _, err := seed.Apply(context.Background(), s, seed.Teas(), seed.Users(), bcrypt.DefaultCost, logger); err != nil {
		logger.Fatal("seed memory store", zap.Error(err))
	}
	return s
}

func (s *Store) ListTeas(_ context.Context, filter domain.TeaFilter) ([]domain.Tea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category := strings.TrimSpace(filter.Category)
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	teas := make([]domain.Tea, 0, len(s.teas))
	for _, tea := range s.teas {
		if filter.Category != "" && !strings.EqualFold(string(tea.Category), category) {
			continue
		}
		if search != "" && !matchesSearch(tea, search) {
			continue
		}
		if filter.InStock && !tea.InStock() {
			continue
		}
		teas = append(teas, cloneTea(tea))
	}

	slices.SortFunc(teas, func(a, b domain.Tea) int {
		return cmpString(a.Name, b.Name)
	})
	return teas, nil
}

func (s *Store) GetTea(_ context.Context, id int64) (*domain.Tea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tea, exists := s.teas[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTea := cloneTea(tea)
	return &copyTea, nil
}

func (s *Store) CreateTea(_ context.Context, tea domain.Tea) (*domain.Tea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validTea(tea) {
		return nil, store.ErrInvalidRecord
	}
	if s.nameTakenLocked(tea.Name, 0) {
		return nil, store.ErrDuplicateName
	}

	s.nextTeaID++
	now := s.now()
	tea.ID = s.nextTeaID
	tea.CreatedAt = now
	tea.UpdatedAt = now
	s.teas[tea.ID] = cloneTea(tea)

	created := cloneTea(tea)
	return &created, nil
}

func (s *Store) UpdateTea(_ context.Context, id int64, apply func(domain.Tea) (domain.Tea, error)) (*domain.Tea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.teas[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	tea, err := apply(cloneTea(existing))
	if err != nil {
		return nil, err
	}
	tea.ID = id
	if !validTea(tea) {
		return nil, store.ErrInvalidRecord
	}
	if s.nameTakenLocked(tea.Name, id) {
		return nil, store.ErrDuplicateName
	}

	tea.CreatedAt = existing.CreatedAt
	tea.UpdatedAt = s.now()
	s.teas[id] = cloneTea(tea)

	updated := cloneTea(tea)
	return &updated, nil
}

func validTea(tea domain.Tea) bool {
	return tea.Name != "" &&
		tea.StockQuantity >= 0 && tea.StockQuantity <= domain.MaxQuantity &&
		!tea.Price.IsNegative() && tea.Price.Storable()
}

func (s *Store) DeleteTea(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.teas[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.teas, id)
	for saleID, sale := range s.sales {
		if sale.TeaID == id {
			delete(s.sales, saleID)
		}
	}
	return nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category := strings.TrimSpace(filter.Category)
	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.From != nil && sale.SoldAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sale.SoldAt.Before(*filter.To) {
			continue
		}
		tea := s.teas[sale.TeaID]
		if category != "" && !strings.EqualFold(string(tea.Category), category) {
			continue
		}
		sales = append(sales, s.decorateSaleLocked(sale))
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if !a.SoldAt.Equal(b.SoldAt) {
			return b.SoldAt.Compare(a.SoldAt)
		}
		return cmpInt64(b.ID, a.ID)
	})
	return sales, nil
}

func (s *Store) RecordSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Quantity < 1 {
		return nil, store.ErrInvalidRecord
	}
	tea, exists := s.teas[sale.TeaID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if tea.StockQuantity < sale.Quantity {
		return nil, &store.StockShortageError{Available: tea.StockQuantity, Requested: sale.Quantity}
	}
	total := tea.Price.Times(sale.Quantity)
	if !total.Storable() {
		return nil, &store.TotalOverflowError{Total: total}
	}

	now := s.now()
	if sale.SoldAt.IsZero() {
		sale.SoldAt = now
	}
	sale.UnitPrice = tea.Price
	sale.TotalAmount = total

	s.nextSaleID++
	sale.ID = s.nextSaleID
	s.sales[sale.ID] = cloneSale(sale)

	tea.StockQuantity = max(0, tea.StockQuantity-sale.Quantity)
	tea.UpdatedAt = now
	s.teas[tea.ID] = tea

	recorded := s.decorateSaleLocked(sale)
	return &recorded, nil
}

func (s *Store) SalesByDay(_ context.Context, window store.SalesWindow) ([]domain.ReportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc := window.Loc()
	return s.groupSalesLocked(window, func(sale domain.Sale, _ domain.Tea) (string, domain.ReportRow) {
		day := sale.SoldAt.In(loc).Format("2006-01-02")
		return day, domain.ReportRow{Date: day}
	}, func(a, b domain.ReportRow) int {
		return cmpString(a.Date, b.Date)
	}), nil
}

func (s *Store) SalesByCategory(_ context.Context, window store.SalesWindow) ([]domain.ReportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.groupSalesLocked(window, func(_ domain.Sale, tea domain.Tea) (string, domain.ReportRow) {
		return string(tea.Category), domain.ReportRow{Category: tea.Category}
	}, func(a, b domain.ReportRow) int {
		if c := b.TotalSales.Cmp(a.TotalSales.Decimal); c != 0 {
			return c
		}
		return cmpString(string(a.Category), string(b.Category))
	}), nil
}

func (s *Store) SalesTotals(_ context.Context, window store.SalesWindow) (domain.SalesTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals domain.SalesTotals
	for _, sale := range s.sales {
		if !window.Contains(sale.SoldAt) {
			continue
		}
		totals.TotalAmount = totals.TotalAmount.Plus(sale.TotalAmount)
		totals.TotalQuantity += int64(sale.Quantity)
		totals.TotalTransactions++
	}
	return totals, nil
}

func (s *Store) TopTeas(_ context.Context, window store.SalesWindow, limit int) ([]domain.TopTea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTea := map[int64]*domain.TopTea{}
	for _, sale := range s.sales {
		if !window.Contains(sale.SoldAt) {
			continue
		}
		entry := byTea[sale.TeaID]
		if entry == nil {
			tea := s.teas[sale.TeaID]
			entry = &domain.TopTea{Name: tea.Name, Category: tea.Category}
			byTea[sale.TeaID] = entry
		}
		entry.TotalSold += int64(sale.Quantity)
		entry.TotalRevenue = entry.TotalRevenue.Plus(sale.TotalAmount)
	}

	top := make([]domain.TopTea, 0, len(byTea))
	for _, entry := range byTea {
		top = append(top, *entry)
	}
	slices.SortFunc(top, func(a, b domain.TopTea) int {
		if a.TotalSold != b.TotalSold {
			return cmpInt64(b.TotalSold, a.TotalSold)
		}
		return cmpString(a.Name, b.Name)
	})
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}

func (s *Store) LowStockTeas(_ context.Context, threshold int) ([]domain.LowStockTea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	low := make([]domain.LowStockTea, 0, 8)
	for _, tea := range s.teas {
		if tea.StockQuantity >= threshold {
			continue
		}
		low = append(low, domain.LowStockTea{Name: tea.Name, Category: tea.Category, StockQuantity: tea.StockQuantity})
	}
	slices.SortFunc(low, func(a, b domain.LowStockTea) int {
		return cmpString(a.Name, b.Name)
	})
	return low, nil
}

func (s *Store) InventorySnapshot(_ context.Context, threshold int) (domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshot domain.InventorySnapshot
	for _, tea := range s.teas {
		snapshot.TotalTeas++
		snapshot.TotalStock += int64(tea.StockQuantity)
		if tea.StockQuantity < threshold {
			snapshot.LowStockCount++
		}
	}
	return snapshot, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrInvalidRecord
	}
	if _, exists := s.userIDsByName[username]; exists {
		return nil, store.ErrDuplicateName
	}

	s.nextUserID++
	user.ID = s.nextUserID
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	s.userIDsByName[username] = user.ID

	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.userIDsByName[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

func (s *Store) GetUserByID(_ context.Context, id int64) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, id int64, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	user, exists := s.users[id]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[id] = user
	return nil
}

func (s *Store) GetOrCreateProfile(_ context.Context, userID int64, role domain.Role) (*domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; !exists {
		return nil, store.ErrNotFound
	}
	if profile, exists := s.profilesByUser[userID]; exists {
		return &profile, nil
	}
	if !role.Valid() {
		role = domain.RoleCashier
	}
	profile := domain.UserProfile{UserID: userID, Role: role, CreatedAt: s.now()}
	s.profilesByUser[userID] = profile
	return &profile, nil
}

// SetNow overrides the clock used for timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) groupSalesLocked(
	window store.SalesWindow,
	groupOf func(domain.Sale, domain.Tea) (string, domain.ReportRow),
	compare func(a, b domain.ReportRow) int,
) []domain.ReportRow {
	rows := map[string]*domain.ReportRow{}
	teasPerGroup := map[string]map[int64]struct{}{}

	for _, sale := range s.sales {
		if !window.Contains(sale.SoldAt) {
			continue
		}
		key, template := groupOf(sale, s.teas[sale.TeaID])
		row := rows[key]
		if row == nil {
			row = &template
			rows[key] = row
			teasPerGroup[key] = map[int64]struct{}{}
		}
		row.TotalSales = row.TotalSales.Plus(sale.TotalAmount)
		row.TotalQuantity += int64(sale.Quantity)
		teasPerGroup[key][sale.TeaID] = struct{}{}
	}

	result := make([]domain.ReportRow, 0, len(rows))
	for key, row := range rows {
		row.TeaCount = int64(len(teasPerGroup[key]))
		result = append(result, *row)
	}
	slices.SortFunc(result, compare)
	return result
}

func (s *Store) decorateSaleLocked(sale domain.Sale) domain.Sale {
	out := cloneSale(sale)
	if tea, ok := s.teas[sale.TeaID]; ok {
		out.TeaName = tea.Name
		out.TeaCategory = tea.Category
	}
	if user, ok := s.users[sale.SoldBy]; ok {
		out.SoldByUsername = user.Username
	}
	return out
}

func (s *Store) nameTakenLocked(name string, exceptID int64) bool {
	for id, tea := range s.teas {
		if id != exceptID && tea.Name == name {
			return true
		}
	}
	return false
}

func matchesSearch(tea domain.Tea, needle string) bool {
	if strings.Contains(strings.ToLower(tea.Name), needle) {
		return true
	}
	return tea.Description != nil && strings.Contains(strings.ToLower(*tea.Description), needle)
}

func cloneTea(src domain.Tea) domain.Tea {
	out := src
	if src.Description != nil {
		desc := *src.Description
		out.Description = &desc
	}
	return out
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	if src.CustomerName != nil {
		name := *src.CustomerName
		out.CustomerName = &name
	}
	if src.Notes != nil {
		notes := *src.Notes
		out.Notes = &notes
	}
	return out
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpInt64(a int64, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
