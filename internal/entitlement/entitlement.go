// Package entitlement decides whether a user may receive a specification.
package entitlement

import (
	"context"
	"strings"

	"github.com/rickgao/livedata/internal/model"
)

// Checker decides whether user may receive data for spec.
type Checker interface {
	IsEntitled(ctx context.Context, user string, spec model.LiveDataSpec) (bool, error)
}

// Permissive entitles everyone to everything.
type Permissive struct{}

func (Permissive) IsEntitled(context.Context, string, model.LiveDataSpec) (bool, error) {
	return true, nil
}

// Grant allows a user access to identifiers of one scheme whose value starts
// with Prefix. "*" matches any user or scheme; an empty Prefix matches all values.
type Grant struct {
	User   string `yaml:"user"`
	Scheme string `yaml:"scheme"`
	Prefix string `yaml:"prefix"`
}

func (g Grant) matches(user string, id model.ExternalID) bool {
	if g.User != "*" && g.User != user {
		return false
	}
	if g.Scheme != "*" && g.Scheme != id.Scheme {
		return false
	}
	return strings.HasPrefix(id.Value, g.Prefix)
}

// Static checks a fixed list of grants. A spec is entitled when any of its
// identifiers is covered by a grant for the user.
type Static struct {
	grants []Grant
}

// NewStatic creates a checker over the given grants.
func NewStatic(grants []Grant) *Static {
	return &Static{grants: grants}
}

func (s *Static) IsEntitled(_ context.Context, user string, spec model.LiveDataSpec) (bool, error) {
	for _, id := range spec.IDs() {
		for _, g := range s.grants {
			if g.matches(user, id) {
				return true, nil
			}
		}
	}
	return false, nil
}
