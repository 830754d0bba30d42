package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shopfloor/internal/auth"
	"shopfloor/internal/docstore"
	"shopfloor/internal/rbac"
	"shopfloor/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ok, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ok {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ok,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Login, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"userName":  session.UserName,
			"role":      session.Role,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
			"permissions":   rbac.Permissions(session.Role),
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/password" {
		var body struct {
			Current string `json:"currentPassword"`
			Next    string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.Current, body.Next); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if !rbac.Can(session.Role, rbac.ActionRead) {
		s.forbid(w, r, session, rbac.ActionRead)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/data" {
		doc, err := s.service.Document()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		etag := revisionTag(doc.Meta.Revision)
		w.Header().Set("ETag", etag)
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, redactUsers(doc))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/cards" {
		cards, revision, err := s.service.Cards()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("ETag", revisionTag(revision))
		writeJSON(w, http.StatusOK, map[string]any{"cards": cards, "revision": revision})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:   query.Get("q"),
			Status: query.Get("status"),
			Limit:  queryInt(query.Get("limit"), 20),
			Offset: queryInt(query.Get("offset"), 0),
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/history" {
		entries, err := s.service.History(queryInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "history" {
		revision, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || revision < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_REVISION", "Revision must be a positive integer", nil)
			return
		}
		doc, err := s.service.Snapshot(revision)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("ETag", revisionTag(doc.Meta.Revision))
		writeJSON(w, http.StatusOK, redactUsers(doc))
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "cards" {
		s.handleCard(w, r, session, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request, session Session, cardID string) {
	switch r.Method {
	case http.MethodGet:
		card, err := s.service.Card(cardID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		etag := revisionTag(docstore.CardRev(card))
		w.Header().Set("ETag", etag)
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, card)

	case http.MethodPut:
		if !rbac.Can(session.Role, rbac.ActionReport) {
			s.forbid(w, r, session, rbac.ActionReport)
			return
		}
		expected, err := ifMatchRev(r.Header.Get("If-Match"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PRECONDITION", err.Error(), nil)
			return
		}
		var body docstore.Record
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "card body must be a JSON object", nil)
			return
		}
		card, revision, err := s.service.PutCard(r.Context(), cardID, body, expected)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("ETag", revisionTag(docstore.CardRev(card)))
		writeJSON(w, http.StatusOK, map[string]any{"card": card, "revision": revision})

	case http.MethodDelete:
		if !rbac.Can(session.Role, rbac.ActionPlan) {
			s.forbid(w, r, session, rbac.ActionPlan)
			return
		}
		expected, err := ifMatchRev(r.Header.Get("If-Match"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PRECONDITION", err.Error(), nil)
			return
		}
		revision, err := s.service.DeleteCard(r.Context(), cardID, expected)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revision": revision})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Warn().
		Str("request_id", requestID(r.Context())).
		Str("user", session.UserID).
		Str("role", string(session.Role)).
		Str("action", string(action)).
		Msg("permission denied")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.fail(w, r, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, If-Match, If-None-Match")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func revisionTag(revision int64) string {
	return `"` + strconv.FormatInt(revision, 10) + `"`
}

// etagMatches reports whether an If-None-Match header names etag. Weak
// validators compare equal to their strong form.
func etagMatches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// ifMatchRev parses an If-Match card revision. An absent header or "*"
// means no precondition.
func ifMatchRev(header string) (*int64, error) {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return nil, nil
	}
	raw := strings.Trim(strings.TrimPrefix(header, "W/"), `"`)
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return nil, fmt.Errorf("If-Match must be a card revision")
	}
	return &rev, nil
}

// redactUsers returns a shallow copy of doc whose users carry no password
// hashes. doc itself is shared and left untouched.
func redactUsers(doc *docstore.Document) *docstore.Document {
	out := *doc
	out.Users = make([]docstore.Record, len(doc.Users))
	for i, user := range doc.Users {
		copied := make(docstore.Record, len(user))
		for key, value := range user {
			if key == "passwordHash" {
				continue
			}
			copied[key] = value
		}
		out.Users[i] = copied
	}
	return &out
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, docstore.ErrNotInitialized) || errors.Is(err, docstore.ErrClosed) {
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Document store unavailable", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "MUTATION_TIMEOUT", "Mutation timed out", nil
	}
	if stage, ok := docstore.FailedStage(err); ok && stage == docstore.StagePersist {
		return http.StatusServiceUnavailable, "PERSIST_FAILED", "Could not save the document", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
