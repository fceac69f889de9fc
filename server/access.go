package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
)

// GroupGate admits a sign-in only when the user belongs to one of the required groups.
type GroupGate struct {
	RequiredNames []string
	RequiredIDs   []string
}

// NewGroupGate builds a gate from auth config.
func NewGroupGate(cfg AuthConfig) GroupGate {
	return GroupGate{
		RequiredNames: lo.Compact(cfg.RequiredGroupNames),
		RequiredIDs:   lo.Compact(cfg.RequiredGroupIDs),
	}
}

// Enabled reports whether any requirement is configured.
func (g GroupGate) Enabled() bool {
	return len(g.RequiredNames) > 0 || len(g.RequiredIDs) > 0
}

// Check matches the token's group-ish claims plus the client-resolved groups against the requirements.
func (g GroupGate) Check(claims map[string]any, submitted []string) error {
	if !g.Enabled() {
		return nil
	}
	if claims == nil {
		return &apiError{Status: http.StatusForbidden, Code: "access_denied", Description: "You don't have access."}
	}

	candidates := lo.Uniq(append(groupClaims(claims), lo.Compact(submitted)...))
	if len(candidates) == 0 {
		return &apiError{Status: http.StatusForbidden, Code: "access_denied", Description: "You don't have access. Missing group claims."}
	}
	if lo.Some(candidates, g.RequiredNames) || lo.Some(candidates, g.RequiredIDs) {
		return nil
	}

	required := g.RequiredNames
	if len(required) == 0 {
		required = g.RequiredIDs
	}
	return &apiError{
		Status:      http.StatusForbidden,
		Code:        "access_denied",
		Description: fmt.Sprintf("You don't have access. User is not in %s.", strings.Join(required, ", ")),
	}
}

// groupClaims collects the groups, roles and wids claims, each either a list or a single string.
func groupClaims(claims map[string]any) []string {
	var out []string
	for _, key := range []string{"groups", "roles", "wids"} {
		switch v := claims[key].(type) {
		case []any:
			for _, item := range v {
				if item == nil {
					continue
				}
				if s := fmt.Sprint(item); s != "" {
					out = append(out, s)
				}
			}
		case []string:
			out = append(out, lo.Compact(v)...)
		case string:
			if v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
