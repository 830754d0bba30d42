package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer reports to the client as is:
// status, a stable machine-readable code, and optional details.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func cardNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, "CARD_NOT_FOUND", "Card not found", map[string]any{"id": id})
}

// preconditionFailed reports an If-Match revision that no longer matches
// the stored card; current is 0 when the card does not exist.
func preconditionFailed(id string, current int64) *DomainError {
	return domainError(http.StatusPreconditionFailed, "REV_MISMATCH", "Card was changed by someone else", map[string]any{
		"id":  id,
		"rev": current,
	})
}
