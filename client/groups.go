package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultGraphURL is the Microsoft Graph v1.0 root.
const DefaultGraphURL = "https://graph.microsoft.com/v1.0"

const (
	memberOfPath = "/me/memberOf?$select=id,displayName"
	maxPages     = 500
)

type memberOfPage struct {
	Value    []directoryEntry `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

type directoryEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GroupResolver walks the signed-in user's memberOf collection.
type GroupResolver struct {
	graphURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGroupResolver builds a resolver against graphURL (DefaultGraphURL when empty).
func NewGroupResolver(graphURL string, httpClient *http.Client, logger *slog.Logger) *GroupResolver {
	if graphURL == "" {
		graphURL = DefaultGraphURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &GroupResolver{
		graphURL:   strings.TrimSuffix(graphURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Resolve returns, for every entry on every page, its display name then its id, flattened into
// one list. Any failed page discards everything collected so far.
func (g *GroupResolver) Resolve(ctx context.Context, accessToken string) ([]string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = g.httpClient.Timeout

	groups := []string{}
	next := g.graphURL + memberOfPath
	for pages := 0; next != ""; pages++ {
		if pages >= maxPages {
			return nil, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, fmt.Errorf("more than %d pages", maxPages))
		}
		page, err := g.fetchPage(ctx, client, next)
		if err != nil {
			return nil, err
		}
		for _, entry := range page.Value {
			if entry.DisplayName != "" {
				groups = append(groups, entry.DisplayName)
			}
			if entry.ID != "" {
				groups = append(groups, entry.ID)
			}
		}
		g.logger.Debug("groups.page", "page", pages+1, "entries", len(page.Value), "has_next", page.NextLink != "")
		if page.NextLink != "" && !g.sameOrigin(page.NextLink) {
			return nil, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, fmt.Errorf("next link leaves %s", g.graphURL))
		}
		next = page.NextLink
	}
	return groups, nil
}

// sameOrigin reports whether link has the scheme and host of the Graph base URL; the bearer
// token is only sent there.
func (g *GroupResolver) sameOrigin(link string) bool {
	base, err := url.Parse(g.graphURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func (g *GroupResolver) fetchPage(ctx context.Context, client *http.Client, pageURL string) (memberOfPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return memberOfPage{}, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return memberOfPage{}, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return memberOfPage{}, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ErrGroupFetchFailed.Message
		var ge graphError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
		}
		return memberOfPage{}, newError(KindGroupFetchFailed, msg, nil)
	}

	var page memberOfPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return memberOfPage{}, newError(KindGroupFetchFailed, ErrGroupFetchFailed.Message, fmt.Errorf("decode memberOf page: %w", err))
	}
	return page, nil
}
