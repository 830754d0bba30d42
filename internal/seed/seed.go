// Package seed builds the document a fresh installation starts from.
package seed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopfloor/internal/authpw"
	"shopfloor/internal/docstore"
	"shopfloor/internal/rbac"
)

const SchemaVersion = 1

type Options struct {
	AdminLogin    string
	AdminPassword string
	// BcryptCost <= 0 selects bcrypt.DefaultCost.
	BcryptCost int
	Now        func() time.Time
}

// ShiftTime is one default production shift window, local wall clock.
type ShiftTime struct {
	Shift int
	Start string
	End   string
}

var DefaultShiftTimes = []ShiftTime{
	{Shift: 1, Start: "06:00", End: "14:00"},
	{Shift: 2, Start: "14:00", End: "22:00"},
	{Shift: 3, Start: "22:00", End: "06:00"},
}

// Seeder adapts Document for docstore.Store.Init.
func Seeder(opts Options) docstore.Seeder {
	return func(ctx context.Context) (*docstore.Document, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Document(opts)
	}
}

func Document(opts Options) (*docstore.Document, error) {
	login := strings.TrimSpace(opts.AdminLogin)
	if login == "" {
		return nil, fmt.Errorf("seed: admin login is required")
	}
	if opts.AdminPassword == "" {
		return nil, fmt.Errorf("seed: admin password is required")
	}
	hash, err := authpw.HashPassword(opts.AdminPassword, opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	createdAt := now().UTC().Format(time.RFC3339)

	doc := docstore.Normalize(nil)
	doc.AccessLevels = accessLevels()
	doc.Users = []docstore.Record{{
		"id":            "user-" + login,
		"login":         login,
		"name":          "Administrator",
		"passwordHash":  hash,
		"accessLevelId": LevelID(rbac.RoleAdmin),
		"departmentId":  nil,
		"createdAt":     createdAt,
	}}
	for _, st := range DefaultShiftTimes {
		doc.ProductionShiftTimes = append(doc.ProductionShiftTimes, docstore.Record{
			"id":    fmt.Sprintf("shift-%d", st.Shift),
			"shift": st.Shift,
			"start": st.Start,
			"end":   st.End,
		})
	}
	doc.Meta = docstore.Meta{
		Revision: 1,
		Extra: map[string]any{
			"createdAt":     createdAt,
			"schemaVersion": SchemaVersion,
		},
	}
	return doc, nil
}

func LevelID(role rbac.Role) string {
	return "level-" + string(role)
}

func accessLevels() []docstore.Record {
	roles := rbac.Roles()
	out := make([]docstore.Record, 0, len(roles))
	for _, role := range roles {
		perms := rbac.Permissions(role)
		names := make([]any, 0, len(perms))
		for _, p := range perms {
			names = append(names, string(p))
		}
		out = append(out, docstore.Record{
			"id":          LevelID(role),
			"name":        string(role),
			"permissions": names,
		})
	}
	return out
}
