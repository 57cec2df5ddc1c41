package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Category string

const (
	CategoryBlack    Category = "Black"
	CategoryGreen    Category = "Green"
	CategoryWhite    Category = "White"
	CategoryOolong   Category = "Oolong"
	CategoryHerbal   Category = "Herbal"
	CategoryFlavored Category = "Flavored"
)

var Categories = []Category{
	CategoryBlack,
	CategoryGreen,
	CategoryWhite,
	CategoryOolong,
	CategoryHerbal,
	CategoryFlavored,
}

// ParseCategory matches raw against the known categories ignoring case and
// returns the canonical spelling.
func ParseCategory(raw string) (Category, bool) {
	raw = strings.TrimSpace(raw)
	for _, c := range Categories {
		if strings.EqualFold(string(c), raw) {
			return c, true
		}
	}
	return "", false
}

type Role string

const (
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleCashier, RoleAdmin:
		return true
	}
	return false
}

type Tea struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Category      Category  `json:"category"`
	Price         Money     `json:"price"`
	Description   *string   `json:"description"`
	StockQuantity int       `json:"stock_quantity"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (t Tea) InStock() bool {
	return t.StockQuantity > 0
}

func (t Tea) MarshalJSON() ([]byte, error) {
	type teaFields Tea
	return json.Marshal(struct {
		teaFields
		IsInStock bool `json:"is_in_stock"`
	}{teaFields(t), t.InStock()})
}

// TeaInput carries create/update fields. Nil means "not supplied".
type TeaInput struct {
	Name          *string `json:"name"`
	Category      *string `json:"category"`
	Price         *Money  `json:"price"`
	Description   *string `json:"description"`
	StockQuantity *int    `json:"stock_quantity"`
}

type TeaFilter struct {
	Category string
	Search   string
	InStock  bool
}

type Sale struct {
	ID             int64     `json:"id"`
	TeaID          int64     `json:"tea"`
	TeaName        string    `json:"tea_name"`
	TeaCategory    Category  `json:"tea_category"`
	Quantity       int       `json:"quantity"`
	UnitPrice      Money     `json:"unit_price"`
	TotalAmount    Money     `json:"total_amount"`
	SoldAt         time.Time `json:"sold_at"`
	SoldBy         int64     `json:"sold_by"`
	SoldByUsername string    `json:"sold_by_username"`
	CustomerName   *string   `json:"customer_name"`
	Notes          *string   `json:"notes"`
}

// SaleInput is the client-settable part of a sale. Pricing, timestamp and
// seller are always assigned by the server.
type SaleInput struct {
	Tea          *int64  `json:"tea"`
	Quantity     *int    `json:"quantity"`
	CustomerName *string `json:"customer_name"`
	Notes        *string `json:"notes"`
}

// SaleFilter bounds are instants; From is inclusive, To is exclusive.
type SaleFilter struct {
	From     *time.Time
	To       *time.Time
	Category string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        int64
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	Active    bool
	CreatedAt time.Time
}

type UserProfile struct {
	UserID      int64     `json:"-"`
	PhoneNumber *string   `json:"phone_number"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProfileResponse struct {
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	PhoneNumber *string   `json:"phone_number"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      Role   `json:"role"`
}

type LoginResponse struct {
	Refresh string    `json:"refresh"`
	Access  string    `json:"access"`
	User    LoginUser `json:"user"`
}

type TokenRefreshRequest struct {
	Refresh string `json:"refresh"`
}

type TokenRefreshResponse struct {
	Access string `json:"access"`
}

type Actor struct {
	UserID   int64
	Username string
	Role     Role
}
