// Package auth manages the API's own users: the ward staff and admins who
// query records and trigger jobs. It is unrelated to the EMR credentials,
// which belong to the pipeline's configuration.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/mesikahq/emr-bridge/internal/audit"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	LastLogin    time.Time `json:"last_login"`
	CreatedAt    time.Time `json:"created_at"`
	Status       string    `json:"status"`
}

type Service interface {
	Initialize(ctx context.Context) error
	Register(ctx context.Context, username, password string, roles []string) (*User, error)
	Login(ctx context.Context, username, password string) (string, error)
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
	DeactivateUser(ctx context.Context, userID string) error
}

type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

type service struct {
	db          *pgxpool.Pool
	audit       audit.Service
	jwtSecret   []byte
	tokenExpiry time.Duration
}

func NewService(db *pgxpool.Pool, auditSvc audit.Service, cfg Config) Service {
	return &service{
		db:          db,
		audit:       auditSvc,
		jwtSecret:   []byte(cfg.JWTSecret),
		tokenExpiry: cfg.TokenExpiry,
	}
}

// Initialize creates the users table when it does not exist yet.
func (s *service) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		roles TEXT[] NOT NULL DEFAULT '{}',
		last_login TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		status VARCHAR(50) NOT NULL DEFAULT 'active'
	);
	`
	_, err := s.db.Exec(ctx, createTableSQL)
	return err
}

func (s *service) Register(ctx context.Context, username, password string, roles []string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		Roles:        roles,
		CreatedAt:    time.Now().UTC(),
		Status:       "active",
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, roles, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, user.PasswordHash, user.Roles, user.CreatedAt, user.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	details, _ := json.Marshal(map[string]interface{}{
		"username": username,
		"roles":    roles,
	})
	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventAccess,
		UserID:     user.ID,
		Action:     "REGISTER",
		Resource:   "user",
		ResourceID: user.ID,
		Status:     "success",
		Details:    json.RawMessage(details),
	})

	return user, nil
}

func (s *service) Login(ctx context.Context, username, password string) (string, error) {
	var user User
	err := s.db.QueryRow(ctx,
		`SELECT id, username, password_hash, roles, status
		 FROM users WHERE username = $1`,
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Roles, &user.Status)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if user.Status != "active" {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		details, _ := json.Marshal(map[string]interface{}{"reason": "invalid_password"})
		s.audit.LogEvent(ctx, &audit.AuditEvent{
			EventType: audit.EventAccess,
			Action:    "LOGIN",
			Resource:  "user",
			Status:    "failure",
			Details:   json.RawMessage(details),
		})
		return "", ErrInvalidCredentials
	}

	token, err := s.generateToken(&user)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(ctx,
		"UPDATE users SET last_login = $1 WHERE id = $2",
		time.Now().UTC(), user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to update last login: %w", err)
	}

	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventAccess,
		UserID:     user.ID,
		Action:     "LOGIN",
		Resource:   "user",
		ResourceID: user.ID,
		Status:     "success",
	})

	return token, nil
}

func (s *service) generateToken(user *User) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
			Subject:   user.ID,
		},
		UserID:   user.ID,
		Username: user.Username,
		Roles:    user.Roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *service) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	// A token for a deactivated user is dead even before it expires.
	var status string
	if err := s.db.QueryRow(ctx,
		`SELECT status FROM users WHERE id = $1`, claims.UserID).Scan(&status); err != nil {
		return nil, ErrUserNotFound
	}
	if status != "active" {
		return nil, ErrUserNotFound
	}

	return claims, nil
}

func (s *service) DeactivateUser(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET status = 'inactive' WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventAccess,
		UserID:     userID,
		Action:     "DEACTIVATE",
		Resource:   "user",
		ResourceID: userID,
		Status:     "success",
	})
	return nil
}
