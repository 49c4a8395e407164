// Package auth manages client accounts and bearer tokens. Passwords are
// stored as bcrypt hashes; sessions are stateless HS256 JWTs carrying the
// client id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"unigate/internal/storage"
)

var (
	// ErrEmailTaken is returned by Signup for a duplicate email.
	ErrEmailTaken = errors.New("email already taken")

	// ErrInvalidCredentials covers unknown emails and wrong passwords
	// alike, so responses do not reveal which one failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for expired, malformed or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Client is a registered account.
type Client struct {
	ID           uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	ClientID uuid.UUID
	Email string
}

// ClientStore persists accounts.
type ClientStore interface {
	// CreateClient inserts a new account. Fails with ErrEmailTaken.
	CreateClient(ctx context.Context, email, passwordHash string) (*Client, error)

	// GetClientByEmail fetches an account. Fails with
	// ErrInvalidCredentials for unknown emails.
	GetClientByEmail(ctx context.Context, email string) (*Client, error)

	// GetClient fetches an account by id.
	GetClient(ctx context.Context, id uuid.UUID) (*Client, error)
}

// NewClientStore creates a client store on the shared storage connection.
func NewClientStore(s storage.Storage) (ClientStore, error) {
	switch s.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(s.SQLiteDB())
	case storage.TypePostgreSQL:
		pool, ok := s.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type")
		}
		return NewPostgreSQLStore(pool)
	default:
		return nil, fmt.Errorf("client store does not support storage type %s", s.Type())
	}
}

// Service implements signup, login and token verification.
type Service struct {
	store    ClientStore
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates the auth service. secret signs all issued tokens.
func NewService(store ClientStore, secret string, tokenTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 2 * time.Hour
	}
	return &Service{store: store, secret: []byte(secret), tokenTTL: tokenTTL}, nil
}

// Signup registers a new client account.
func (s *Service) Signup(ctx context.Context, email, password string) (*Client, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return s.store.CreateClient(ctx, email, string(hash))
}

// Login checks the credentials and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *Client, error) {
	client, err := s.store.GetClientByEmail(ctx, email)
	if err != nil {
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(client)
	if err != nil {
		return "", nil, err
	}
	return token, client, nil
}

// IssueToken signs a JWT for the client.
func (s *Service) IssueToken(client *Client) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   client.ID.String(),
		Issuer:    "unigate",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, struct {
		jwt.RegisteredClaims
		Email string `json:"email"`
	}{RegisteredClaims: claims, Email: client.Email})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a bearer token and returns the caller's
// identity.
func (s *Service) VerifyToken(tokenString string) (*Identity, error) {
	var claims struct {
		jwt.RegisteredClaims
		Email string `json:"email"`
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	clientID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{ClientID: clientID, Email: claims.Email}, nil
}
