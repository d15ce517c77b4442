// Package lookup resolves the reference data an inspection session needs:
// operator names, defect-name shortcuts, the lot schedule and the reference
// image of a product.
package lookup

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ktec-smt/aoirecord/internal/csvio"
)

// User is one operator from the user directory.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Users maps operator ids to display names. Ids are matched upper-cased.
type Users struct {
	byID map[string]User
}

// ReadUsers parses a user directory with "id,name" columns.
func ReadUsers(r io.Reader) (*Users, error) {
	rows, err := csvio.ReadTable(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	u := &Users{byID: make(map[string]User, len(rows))}
	for _, row := range rows {
		id := strings.ToUpper(row.Get("id"))
		if id == "" {
			continue
		}
		u.byID[id] = User{ID: id, Name: row.Get("name")}
	}
	return u, nil
}

// LoadUsers reads the user directory file.
func LoadUsers(path string) (*Users, error) {
	r, err := csvio.ReadTextFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user directory: %w", err)
	}
	return ReadUsers(r)
}

// Lookup returns the user for id, ignoring case and surrounding blanks.
func (u *Users) Lookup(id string) (User, bool) {
	if u == nil {
		return User{}, false
	}
	user, ok := u.byID[strings.ToUpper(strings.TrimSpace(id))]
	return user, ok
}

// All returns every user ordered by id.
func (u *Users) All() []User {
	if u == nil {
		return nil
	}
	out := make([]User, 0, len(u.byID))
	for _, user := range u.byID {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
