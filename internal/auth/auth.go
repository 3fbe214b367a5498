// Package auth handles accounts, passwords and bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/chunkvault/chunkvault/internal/store"
)

const (
	// MinSecretLength is the shortest accepted token signing secret.
	MinSecretLength = 32
	// DefaultTokenTTL is how long an issued token stays valid.
	DefaultTokenTTL = 7 * 24 * time.Hour
	// DefaultMinPasswordLength is the shortest accepted password.
	DefaultMinPasswordLength = 8

	issuer = "chunkvault"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidToken         = errors.New("invalid token")
	ErrInvalidUsername      = errors.New("username must be 3-32 letters, digits, '.', '_' or '-'")
	ErrWeakPassword         = errors.New("password too short")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrRegistrationDisabled = errors.New("registration is disabled")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{3,32}$`)

// Users is the account storage the service needs.
type Users interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUserByName(ctx context.Context, username string) (*store.User, error)
	SetPassword(ctx context.Context, id, passwordHash string) error
}

// Claims are carried by every issued token.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Config configures a Service.
type Config struct {
	Secret            []byte
	TokenTTL          time.Duration
	MinPasswordLength int
	BcryptCost        int
	AllowRegistration bool
}

// Service registers and authenticates users.
type Service struct {
	users         Users
	secret        []byte
	ttl           time.Duration
	minPassword   int
	cost          int
	allowRegister bool
	now           func() time.Time
}

// NewService creates a service backed by users.
func NewService(users Users, cfg Config) (*Service, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	s := &Service{
		users:         users,
		secret:        cfg.Secret,
		ttl:           cfg.TokenTTL,
		minPassword:   cfg.MinPasswordLength,
		cost:          cfg.BcryptCost,
		allowRegister: cfg.AllowRegistration,
		now:           time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.minPassword <= 0 {
		s.minPassword = DefaultMinPasswordLength
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s, nil
}

// Register creates an account if self-registration is enabled.
func (s *Service) Register(ctx context.Context, username, password string) (*store.User, error) {
	if !s.allowRegister {
		return nil, ErrRegistrationDisabled
	}
	return s.CreateUser(ctx, username, password)
}

// CreateUser creates an account regardless of the registration setting.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*store.User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}
	u, err := s.users.CreateUser(ctx, username, hash)
	if errors.Is(err, store.ErrExists) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Login checks a password and issues a token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	u, err := s.users.GetUserByName(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := s.GenerateToken(u)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// UpdatePassword replaces a password after checking the current one.
func (s *Service) UpdatePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	return s.users.SetPassword(ctx, userID, hash)
}

// GenerateToken issues a signed token for u.
func (s *Service) GenerateToken(u *store.User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateToken checks a token's signature and expiry.
func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates a token and loads its user, so tokens of deleted
// accounts stop working.
func (s *Service) Authenticate(ctx context.Context, tokenStr string) (*store.User, error) {
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	return u, nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < s.minPassword {
		return "", ErrWeakPassword
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
