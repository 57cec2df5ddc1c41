package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const teaColumns = `id, name, category, price, description, stock_quantity, created_at, updated_at`

func (s *Store) ListTeas(ctx context.Context, filter domain.TeaFilter) ([]domain.Tea, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 2)

	if category := strings.TrimSpace(filter.Category); category != "" {
		args = append(args, category)
		conditions = append(conditions, fmt.Sprintf("lower(category) = lower($%d)", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	if filter.InStock {
		conditions = append(conditions, "stock_quantity > 0")
	}

	query := `SELECT ` + teaColumns + ` FROM teas`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teas := make([]domain.Tea, 0, 32)
	for rows.Next() {
		tea, err := scanTea(rows)
		if err != nil {
			return nil, err
		}
		teas = append(teas, tea)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return teas, nil
}

func (s *Store) GetTea(ctx context.Context, id int64) (*domain.Tea, error) {
	tea, err := scanTea(s.db.QueryRowContext(ctx, `SELECT `+teaColumns+` FROM teas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tea, nil
}

func (s *Store) CreateTea(ctx context.Context, tea domain.Tea) (*domain.Tea, error) {
	if !validTea(tea) {
		return nil, store.ErrInvalidRecord
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO teas (name, category, price, description, stock_quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		RETURNING id, created_at, updated_at
	`, tea.Name, string(tea.Category), tea.Price, tea.Description, tea.StockQuantity).Scan(&tea.ID, &tea.CreatedAt, &tea.UpdatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	created := tea
	return &created, nil
}

// UpdateTea holds a row lock from read to write, so a sale committed in
// between cannot have its stock decrement overwritten.
func (s *Store) UpdateTea(ctx context.Context, id int64, apply func(domain.Tea) (domain.Tea, error)) (*domain.Tea, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanTea(tx.QueryRowContext(ctx, `SELECT `+teaColumns+` FROM teas WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	tea, err := apply(current)
	if err != nil {
		return nil, err
	}
	tea.ID = id
	if !validTea(tea) {
		return nil, store.ErrInvalidRecord
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE teas
		SET name = $2, category = $3, price = $4, description = $5, stock_quantity = $6, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, id, tea.Name, string(tea.Category), tea.Price, tea.Description, tea.StockQuantity).Scan(&tea.CreatedAt, &tea.UpdatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}

	updated := tea
	return &updated, nil
}

func (s *Store) DeleteTea(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM teas WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("s.sold_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("s.sold_at < $%d", len(args)))
	}
	if category := strings.TrimSpace(filter.Category); category != "" {
		args = append(args, category)
		conditions = append(conditions, fmt.Sprintf("lower(t.category) = lower($%d)", len(args)))
	}

	query := `
		SELECT s.id, s.tea_id, t.name, t.category, s.quantity, s.unit_price, s.total_amount,
			s.sold_at, s.sold_by, COALESCE(u.username, ''), s.customer_name, s.notes
		FROM sales s
		JOIN teas t ON t.id = s.tea_id
		LEFT JOIN app_users u ON u.id = s.sold_by`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY s.sold_at DESC, s.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var (
			sale     domain.Sale
			category string
			customer sql.NullString
			notes    sql.NullString
		)
		if err := rows.Scan(
			&sale.ID, &sale.TeaID, &sale.TeaName, &category, &sale.Quantity, &sale.UnitPrice, &sale.TotalAmount,
			&sale.SoldAt, &sale.SoldBy, &sale.SoldByUsername, &customer, &notes,
		); err != nil {
			return nil, err
		}
		sale.TeaCategory = domain.Category(category)
		sale.CustomerName = nullableString(customer)
		sale.Notes = nullableString(notes)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

// RecordSale decrements stock with a conditional update so two concurrent
// sales can never both pass the stock check.
func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Quantity < 1 || sale.Quantity > domain.MaxQuantity {
		return nil, store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var category string
	err = tx.QueryRowContext(ctx, `
		UPDATE teas
		SET stock_quantity = GREATEST(stock_quantity - $2, 0), updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2
		RETURNING name, category, price
	`, sale.TeaID, sale.Quantity).Scan(&sale.TeaName, &category, &sale.UnitPrice)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		var available int
		if err := tx.QueryRowContext(ctx, `SELECT stock_quantity FROM teas WHERE id = $1`, sale.TeaID).Scan(&available); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
		return nil, &store.StockShortageError{Available: available, Requested: sale.Quantity}
	}
	sale.TeaCategory = domain.Category(category)
	sale.TotalAmount = sale.UnitPrice.Times(sale.Quantity)
	if !sale.TotalAmount.Storable() {
		// the deferred rollback restores the decremented stock
		return nil, &store.TotalOverflowError{Total: sale.TotalAmount}
	}

	var soldAt *time.Time
	if !sale.SoldAt.IsZero() {
		soldAt = &sale.SoldAt
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (tea_id, quantity, unit_price, total_amount, sold_at, sold_by, customer_name, notes)
		VALUES ($1,$2,$3,$4,COALESCE($5, now()),$6,$7,$8)
		RETURNING id, sold_at
	`, sale.TeaID, sale.Quantity, sale.UnitPrice, sale.TotalAmount, soldAt, sale.SoldBy, sale.CustomerName, sale.Notes).Scan(&sale.ID, &sale.SoldAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT username FROM app_users WHERE id = $1`, sale.SoldBy).Scan(&sale.SoldByUsername); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	recorded := sale
	return &recorded, nil
}

func (s *Store) SalesByDay(ctx context.Context, window store.SalesWindow) ([]domain.ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char((sold_at AT TIME ZONE $3)::date, 'YYYY-MM-DD') AS day,
			COALESCE(SUM(total_amount), 0), COALESCE(SUM(quantity), 0), COUNT(DISTINCT tea_id)
		FROM sales
		WHERE sold_at >= $1 AND sold_at < $2
		GROUP BY day
		ORDER BY day
	`, window.From, window.To, window.Loc().String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ReportRow, 0, 31)
	for rows.Next() {
		var row domain.ReportRow
		if err := rows.Scan(&row.Date, &row.TotalSales, &row.TotalQuantity, &row.TeaCount); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SalesByCategory(ctx context.Context, window store.SalesWindow) ([]domain.ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.category, COALESCE(SUM(s.total_amount), 0) AS total_sales,
			COALESCE(SUM(s.quantity), 0), COUNT(DISTINCT s.tea_id)
		FROM sales s
		JOIN teas t ON t.id = s.tea_id
		WHERE s.sold_at >= $1 AND s.sold_at < $2
		GROUP BY t.category
		ORDER BY total_sales DESC, t.category
	`, window.From, window.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ReportRow, 0, len(domain.Categories))
	for rows.Next() {
		var (
			row      domain.ReportRow
			category string
		)
		if err := rows.Scan(&category, &row.TotalSales, &row.TotalQuantity, &row.TeaCount); err != nil {
			return nil, err
		}
		row.Category = domain.Category(category)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) SalesTotals(ctx context.Context, window store.SalesWindow) (domain.SalesTotals, error) {
	var totals domain.SalesTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_amount), 0), COALESCE(SUM(quantity), 0), COUNT(*)
		FROM sales
		WHERE sold_at >= $1 AND sold_at < $2
	`, window.From, window.To).Scan(&totals.TotalAmount, &totals.TotalQuantity, &totals.TotalTransactions)
	return totals, err
}

func (s *Store) TopTeas(ctx context.Context, window store.SalesWindow, limit int) ([]domain.TopTea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, t.category, SUM(s.quantity) AS total_sold, SUM(s.total_amount)
		FROM sales s
		JOIN teas t ON t.id = s.tea_id
		WHERE s.sold_at >= $1 AND s.sold_at < $2
		GROUP BY t.id, t.name, t.category
		ORDER BY total_sold DESC, t.name
		LIMIT $3
	`, window.From, window.To, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	top := make([]domain.TopTea, 0, limit)
	for rows.Next() {
		var (
			tea      domain.TopTea
			category string
		)
		if err := rows.Scan(&tea.Name, &category, &tea.TotalSold, &tea.TotalRevenue); err != nil {
			return nil, err
		}
		tea.Category = domain.Category(category)
		top = append(top, tea)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return top, nil
}

func (s *Store) LowStockTeas(ctx context.Context, threshold int) ([]domain.LowStockTea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, category, stock_quantity
		FROM teas
		WHERE stock_quantity < $1
		ORDER BY name
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	low := make([]domain.LowStockTea, 0, 8)
	for rows.Next() {
		var (
			tea      domain.LowStockTea
			category string
		)
		if err := rows.Scan(&tea.Name, &category, &tea.StockQuantity); err != nil {
			return nil, err
		}
		tea.Category = domain.Category(category)
		low = append(low, tea)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return low, nil
}

func (s *Store) InventorySnapshot(ctx context.Context, threshold int) (domain.InventorySnapshot, error) {
	var snapshot domain.InventorySnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(stock_quantity), 0), COUNT(*) FILTER (WHERE stock_quantity < $1)
		FROM teas
	`, threshold).Scan(&snapshot.TotalTeas, &snapshot.TotalStock, &snapshot.LowStockCount)
	return snapshot, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrInvalidRecord
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO app_users (username, password, email, first_name, last_name, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		RETURNING id, created_at
	`, user.Username, user.Password, user.Email, user.FirstName, user.LastName, user.Active).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, mapWriteError(err)
	}

	created := user
	return &created, nil
}

const userColumns = `id, username, password, email, first_name, last_name, active, created_at`

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM app_users WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)))
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*domain.UserAccount, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = $1`, id)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.Password, &user.Email, &user.FirstName, &user.LastName, &user.Active, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, id int64, password string) error {
	if strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}
	result, err := s.db.ExecContext(ctx, `UPDATE app_users SET password = $2 WHERE id = $1`, id, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetOrCreateProfile(ctx context.Context, userID int64, role domain.Role) (*domain.UserProfile, error) {
	if !role.Valid() {
		role = domain.RoleCashier
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, role, created_at)
		VALUES ($1,$2,now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, string(role)); err != nil {
		return nil, mapWriteError(err)
	}

	var (
		profile  domain.UserProfile
		phone    sql.NullString
		roleName string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, phone_number, role, created_at
		FROM user_profiles
		WHERE user_id = $1
	`, userID).Scan(&profile.UserID, &phone, &roleName, &profile.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	profile.PhoneNumber = nullableString(phone)
	profile.Role = domain.Role(roleName)
	return &profile, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func validTea(tea domain.Tea) bool {
	return tea.Name != "" &&
		tea.StockQuantity >= 0 && tea.StockQuantity <= domain.MaxQuantity &&
		!tea.Price.IsNegative() && tea.Price.Storable()
}

func scanTea(row rowScanner) (domain.Tea, error) {
	var (
		tea         domain.Tea
		category    string
		description sql.NullString
	)
	if err := row.Scan(&tea.ID, &tea.Name, &category, &tea.Price, &description, &tea.StockQuantity, &tea.CreatedAt, &tea.UpdatedAt); err != nil {
		return domain.Tea{}, err
	}
	tea.Category = domain.Category(category)
	tea.Description = nullableString(description)
	return tea, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func escapeLike(raw string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(raw)
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return store.ErrDuplicateName
	case "23503":
		return store.ErrNotFound
	case "23514", "22003":
		return store.ErrInvalidRecord
	}
	return err
}
