// Package authpw provides login/password authentication against the users
// stored in the document.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"shopfloor/internal/docstore"
	"shopfloor/internal/rbac"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// User is the authenticated view of a users record.
type User struct {
	ID    string
	Login string
	Name  string
	Role  rbac.Role
}

// DocumentStore is the part of docstore.Store the service needs.
type DocumentStore interface {
	Read() *docstore.Document
	Mutate(ctx context.Context, fn docstore.Mutator) (*docstore.Document, error)
}

// Service provides login/password authentication
type Service struct {
	store DocumentStore
	cost  int
	now   func() time.Time
}

// NewService creates a new auth service. cost <= 0 selects bcrypt.DefaultCost.
func NewService(store DocumentStore, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: store, cost: cost, now: time.Now}
}

// HashPassword returns the bcrypt hash stored in users[].passwordHash.
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the user's stored hash.
func CheckPassword(user docstore.Record, password string) bool {
	hash, _ := user["passwordHash"].(string)
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SignIn authenticates login/password against the committed document.
func (s *Service) SignIn(_ context.Context, login, password string) (User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return User{}, errors.New("login and password are required")
	}
	doc := s.store.Read()
	if doc == nil {
		return User{}, docstore.ErrNotInitialized
	}
	rec, ok := findByLogin(doc, login)
	if !ok || !CheckPassword(rec, password) {
		return User{}, ErrInvalidCredentials
	}
	return toUser(doc, rec), nil
}

// Lookup returns the current state of user id.
func (s *Service) Lookup(_ context.Context, id string) (User, error) {
	doc := s.store.Read()
	if doc == nil {
		return User{}, docstore.ErrNotInitialized
	}
	rec, ok := findByID(doc, id)
	if !ok {
		return User{}, ErrUserNotFound
	}
	return toUser(doc, rec), nil
}

// ChangePassword replaces the password of user id after checking the
// current one. The check runs against the draft so it sees the latest
// committed hash.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := HashPassword(next, s.cost)
	if err != nil {
		return err
	}
	changedAt := s.now().UTC().Format(time.RFC3339)
	_, err = s.store.Mutate(ctx, func(_ context.Context, draft *docstore.Document) (*docstore.Document, error) {
		for _, rec := range draft.Users {
			if recID, _ := docstore.RecordID(rec); recID != id {
				continue
			}
			if !CheckPassword(rec, current) {
				return nil, ErrInvalidCredentials
			}
			rec["passwordHash"] = hash
			rec["passwordChangedAt"] = changedAt
			return draft, nil
		}
		return nil, ErrUserNotFound
	})
	return err
}

func findByLogin(doc *docstore.Document, login string) (docstore.Record, bool) {
	for _, rec := range doc.Users {
		if value, _ := rec["login"].(string); strings.EqualFold(strings.TrimSpace(value), login) {
			return rec, true
		}
	}
	return nil, false
}

func findByID(doc *docstore.Document, id string) (docstore.Record, bool) {
	for _, rec := range doc.Users {
		if recID, _ := docstore.RecordID(rec); recID == id {
			return rec, true
		}
	}
	return nil, false
}

func toUser(doc *docstore.Document, rec docstore.Record) User {
	id, _ := docstore.RecordID(rec)
	login, _ := rec["login"].(string)
	name, _ := rec["name"].(string)
	if strings.TrimSpace(name) == "" {
		name = login
	}
	return User{ID: id, Login: login, Name: name, Role: roleOf(doc, rec)}
}

// roleOf resolves the user's access level record to a role. Unknown or
// missing levels fall back to the least privileged role.
func roleOf(doc *docstore.Document, user docstore.Record) rbac.Role {
	levelID, _ := user["accessLevelId"].(string)
	for _, level := range doc.AccessLevels {
		if id, _ := docstore.RecordID(level); id == levelID && levelID != "" {
			name, _ := level["name"].(string)
			return rbac.Normalize(name)
		}
	}
	return rbac.RoleViewer
}
