package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type credentials struct {
	Username string `validate:"required,max=64"`
	// bcrypt ignores everything after 72 bytes.
	Password string `validate:"required,max=72"`
}

// CredentialStore creates users and checks their passwords.
type CredentialStore struct {
	store    Store
	validate *validator.Validate
	cost     int
}

func NewCredentialStore(store Store, validate *validator.Validate, cost int) *CredentialStore {
	return &CredentialStore{store: store, validate: validate, cost: cost}
}

func (c *CredentialStore) CreateUser(ctx context.Context, username, password string) (User, error) {
	creds := credentials{Username: strings.TrimSpace(username), Password: password}
	if err := c.validate.Struct(creds); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), c.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return User{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	return c.store.CreateUser(ctx, creds.Username, string(hash))
}

func (c *CredentialStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	return c.store.GetUserByUsername(ctx, strings.TrimSpace(username))
}

// FindUserByID returns ErrNotFound for ids that are not UUIDs without asking
// the store; Postgres would reject them as a syntax error.
func (c *CredentialStore) FindUserByID(ctx context.Context, id string) (User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return User{}, fmt.Errorf("%w: user %q", ErrNotFound, id)
	}

	return c.store.GetUserByID(ctx, id)
}

// Authenticate returns the user when the password matches. An unknown username
// and a wrong password are indistinguishable to the caller.
func (c *CredentialStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	user, err := c.FindUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}

	if !VerifyPassword(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}

	return user, nil
}

func VerifyPassword(pwd, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pwd))
	return err == nil
}
