package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shopfloor/internal/auth"
	"shopfloor/internal/authpw"
	"shopfloor/internal/docstore"
	"shopfloor/internal/history"
	"shopfloor/internal/rbac"
	"shopfloor/internal/replicate"
	"shopfloor/internal/search"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      rbac.Role
	ExpiresAt time.Time
}

// Check is an optional readiness probe for a secondary backend.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Store      *docstore.Store
	Writable   func() error
	Passwords  *authpw.Service
	Tokens     *auth.Issuer
	Search     *search.Service
	History    *history.Service
	Dispatcher *replicate.Dispatcher
	Checks     []Check
	Logger     zerolog.Logger
}

type Service struct {
	store      *docstore.Store
	writable   func() error
	passwords  *authpw.Service
	tokens     *auth.Issuer
	search     *search.Service
	history    *history.Service
	dispatcher *replicate.Dispatcher
	checks     []Check
	log        zerolog.Logger
}

func New(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		writable:   deps.Writable,
		passwords:  deps.Passwords,
		tokens:     deps.Tokens,
		search:     deps.Search,
		history:    deps.History,
		dispatcher: deps.Dispatcher,
		checks:     deps.Checks,
		log:        deps.Logger.With().Str("component", "app").Logger(),
	}
}

func (s *Service) Document() (*docstore.Document, error) {
	doc := s.store.Read()
	if doc == nil {
		return nil, docstore.ErrNotInitialized
	}
	return doc, nil
}

func (s *Service) Card(id string) (docstore.Record, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	card, ok := doc.FindCard(id)
	if !ok {
		return nil, cardNotFound(id)
	}
	return card, nil
}

func (s *Service) Cards() ([]docstore.Record, int64, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, 0, err
	}
	return doc.Cards, doc.Meta.Revision, nil
}

// PutCard creates or replaces card id. When expectedRev is non-nil the
// stored card must currently have that rev (0 meaning "must not exist").
// The rev field of the body is ignored; the store assigns it.
func (s *Service) PutCard(ctx context.Context, id string, body docstore.Record, expectedRev *int64) (docstore.Record, int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "card id is required", nil)
	}
	if bodyID, ok := docstore.RecordID(body); ok && bodyID != id {
		return nil, 0, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body id does not match path", map[string]any{"id": bodyID})
	}
	card := make(docstore.Record, len(body)+1)
	for key, value := range body {
		if key == docstore.RevField {
			continue
		}
		card[key] = value
	}
	card["id"] = id

	doc, err := s.store.Mutate(ctx, func(_ context.Context, draft *docstore.Document) (*docstore.Document, error) {
		index := -1
		for i, existing := range draft.Cards {
			if existingID, _ := docstore.RecordID(existing); existingID == id {
				index = i
				break
			}
		}
		if expectedRev != nil {
			current := int64(0)
			if index >= 0 {
				current = docstore.CardRev(draft.Cards[index])
			}
			if current != *expectedRev {
				return nil, preconditionFailed(id, current)
			}
		}
		if index >= 0 {
			draft.Cards[index] = card
		} else {
			draft.Cards = append(draft.Cards, card)
		}
		return draft, nil
	})
	if err != nil {
		return nil, 0, err
	}
	stored, _ := doc.FindCard(id)
	return stored, doc.Meta.Revision, nil
}

func (s *Service) DeleteCard(ctx context.Context, id string, expectedRev *int64) (int64, error) {
	doc, err := s.store.Mutate(ctx, func(_ context.Context, draft *docstore.Document) (*docstore.Document, error) {
		kept := draft.Cards[:0]
		found := false
		for _, card := range draft.Cards {
			if cardID, _ := docstore.RecordID(card); cardID == id {
				if expectedRev != nil && docstore.CardRev(card) != *expectedRev {
					return nil, preconditionFailed(id, docstore.CardRev(card))
				}
				found = true
				continue
			}
			kept = append(kept, card)
		}
		if !found {
			return nil, cardNotFound(id)
		}
		draft.Cards = kept
		return draft, nil
	})
	if err != nil {
		return 0, err
	}
	return doc.Meta.Revision, nil
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) History(limit int) ([]history.Entry, error) {
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "HISTORY_DISABLED", "History is not enabled", nil)
	}
	return s.history.History(limit)
}

func (s *Service) Snapshot(revision int64) (*docstore.Document, error) {
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "HISTORY_DISABLED", "History is not enabled", nil)
	}
	doc, err := s.history.SnapshotAt(revision)
	if errors.Is(err, history.ErrUnknownRevision) {
		return nil, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not recorded", map[string]any{"revision": revision})
	}
	return doc, err
}

func (s *Service) Login(ctx context.Context, login, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, login, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid login or password", nil)
		}
		return Session{}, err
	}
	token, claims, err := s.tokens.Issue(user.ID, user.Name, string(user.Role))
	if err != nil {
		return Session{}, err
	}
	s.log.Info().Str("user", user.ID).Str("role", string(user.Role)).Msg("signed in")
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// SessionFromToken validates token and re-reads the user's role so that
// access level changes apply without signing in again.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.passwords.Lookup(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	err := s.passwords.ChangePassword(ctx, session.UserID, current, next)
	switch {
	case errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "WEAK_PASSWORD", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusForbidden, "INVALID_CREDENTIALS", "Current password is wrong", nil)
	case errors.Is(err, authpw.ErrUserNotFound):
		return auth.ErrInvalidToken
	}
	return err
}

// Ready runs every readiness probe and reports whether the service can
// accept writes.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}

	if doc := s.store.Read(); doc == nil {
		ready = false
		checks["store"] = map[string]any{"status": "error", "error": docstore.ErrNotInitialized.Error()}
	} else {
		store := map[string]any{"status": "ok", "revision": doc.Meta.Revision, "pending": s.store.Pending()}
		if issue := s.store.LoadIssue(); issue != nil {
			store["loadIssue"] = issue.Error()
		}
		checks["store"] = store
	}

	if s.writable != nil {
		if err := s.writable(); err != nil {
			ready = false
			checks["dataFile"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["dataFile"] = map[string]any{"status": "ok"}
		}
	}

	// Secondary backends are reported but never block readiness.
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			checks[check.Name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}
	if s.search != nil {
		checks["search"] = map[string]any{"status": "ok", "backend": s.search.Backend()}
	}
	if s.dispatcher != nil {
		checks["replication"] = s.dispatcher.Status()
	}
	return ready, checks
}
