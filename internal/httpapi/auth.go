package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ceylontea/backend/internal/domain"
	"ceylontea/backend/internal/store"
	"ceylontea/backend/internal/xid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenIssuer      = "ceylon-tea-corner"
)

var (
	ErrMissingCredentials = errors.New("Must include username and password")
	ErrInvalidCredentials = errors.New("Invalid username or password")
	ErrAccountDisabled    = errors.New("User account is disabled")
	ErrInvalidToken       = errors.New("Token is invalid or expired")
)

// UserStore is the slice of the repository the auth gateway needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	GetUserByID(ctx context.Context, id int64) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, id int64, password string) error
	GetOrCreateProfile(ctx context.Context, userID int64, role domain.Role) (*domain.UserProfile, error)
}

type AuthConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type AuthManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	users         UserStore
	logger        *zap.Logger
	now           func() time.Time
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	TokenType string      `json:"token_type"`
	UserID    int64       `json:"user_id"`
	Username  string      `json:"username,omitempty"`
	Role      domain.Role `json:"role,omitempty"`
}

func NewAuthManager(cfg AuthConfig, users UserStore, logger *zap.Logger) *AuthManager {
	if cfg.AccessSecret == "" {
		cfg.AccessSecret = "dev-access-change-me"
	}
	if cfg.RefreshSecret == "" {
		cfg.RefreshSecret = "dev-refresh-change-me"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		users:         users,
		logger:        logger.Named("auth"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Login checks credentials and issues a token pair. The disabled-account
// check only runs once the password matched, so it never reveals whether an
// account exists.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return domain.LoginResponse{}, ErrMissingCredentials
	}

	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, fmt.Errorf("lookup user: %w", err)
	}

	if !a.verifyPassword(ctx, user, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, ErrAccountDisabled
	}

	profile, err := a.users.GetOrCreateProfile(ctx, user.ID, domain.RoleCashier)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("load profile: %w", err)
	}

	access, err := a.sign(tokenTypeAccess, user, profile.Role)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	refresh, err := a.sign(tokenTypeRefresh, user, profile.Role)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	a.logger.Info("login succeeded", zap.Int64("user_id", user.ID), zap.String("role", string(profile.Role)))
	return domain.LoginResponse{
		Refresh: refresh,
		Access:  access,
		User: domain.LoginUser{
			ID:        user.ID,
			Username:  user.Username,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Role:      profile.Role,
		},
	}, nil
}

// Refresh exchanges a refresh token for a new access token. The user must
// still exist and be active.
func (a *AuthManager) Refresh(ctx context.Context, refreshToken string) (domain.TokenRefreshResponse, error) {
	claims, err := a.parse(refreshToken, tokenTypeRefresh, a.refreshSecret)
	if err != nil {
		return domain.TokenRefreshResponse{}, err
	}

	user, err := a.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TokenRefreshResponse{}, ErrInvalidToken
		}
		return domain.TokenRefreshResponse{}, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active {
		return domain.TokenRefreshResponse{}, ErrInvalidToken
	}
	profile, err := a.users.GetOrCreateProfile(ctx, user.ID, domain.RoleCashier)
	if err != nil {
		return domain.TokenRefreshResponse{}, fmt.Errorf("load profile: %w", err)
	}

	access, err := a.sign(tokenTypeAccess, user, profile.Role)
	if err != nil {
		return domain.TokenRefreshResponse{}, err
	}
	return domain.TokenRefreshResponse{Access: access}, nil
}

func (a *AuthManager) ParseAccessToken(tokenStr string) (domain.Actor, error) {
	claims, err := a.parse(tokenStr, tokenTypeAccess, a.accessSecret)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}

func (a *AuthManager) parse(tokenStr string, tokenType string, secret []byte) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType || claims.UserID < 1 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (a *AuthManager) sign(tokenType string, user *domain.UserAccount, role domain.Role) (string, error) {
	secret, ttl := a.accessSecret, a.accessTTL
	if tokenType == tokenTypeRefresh {
		secret, ttl = a.refreshSecret, a.refreshTTL
	}

	now := a.now()
	claims := tokenClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
			ID:        xid.New(""),
		},
		TokenType: tokenType,
		UserID:    user.ID,
	}
	if tokenType == tokenTypeAccess {
		claims.Username = user.Username
		claims.Role = role
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// verifyPassword accepts bcrypt hashes and, for accounts imported with a
// plain-text password, upgrades the stored value to a hash on success.
func (a *AuthManager) verifyPassword(ctx context.Context, user *domain.UserAccount, input string) bool {
	if user.Password == "" || strings.TrimSpace(input) == "" {
		return false
	}
	if isPasswordHash(user.Password) {
		return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input)) == nil
	}

	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(input)) != 1 {
		return false
	}
	hashed, err := hashPassword(input)
	if err != nil {
		a.logger.Warn("hash legacy password failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return true
	}
	if err := a.users.UpdateUserPassword(ctx, user.ID, hashed); err != nil {
		a.logger.Warn("upgrade legacy password failed", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	return true
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
