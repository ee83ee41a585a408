package permission

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ranksync/internal/model"
	"ranksync/pkg/uid"

	"github.com/go-resty/resty/v2"
)

// RESTBackend talks to the LuckPerms REST API.
type RESTBackend struct {
	client *resty.Client
}

// NewRESTBackend creates a client for the API at baseURL, authenticating with apiKey.
func NewRESTBackend(baseURL, apiKey string) *RESTBackend {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &RESTBackend{client: client}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrBackendUnavailable, err)
}

func statusError(resp *resty.Response) error {
	return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
}

// LookupIdentity resolves a username via GET /user/lookup.
func (b *RESTBackend) LookupIdentity(ctx context.Context, username string) (model.Identity, error) {
	var out struct {
		UniqueID string `json:"uniqueId"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("username", username).
		SetResult(&out).
		Get("/user/lookup")
	if err != nil {
		return model.Identity{}, unavailable("lookup "+username, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		id, err := uid.ParseIdentity(out.UniqueID)
		if err != nil {
			return model.Identity{}, unavailable("lookup "+username, err)
		}
		return id, nil
	case http.StatusNotFound:
		return model.Identity{}, fmt.Errorf("%s: %w", username, model.ErrIdentityNotFound)
	default:
		return model.Identity{}, unavailable("lookup "+username, statusError(resp))
	}
}

// LoadGroup fetches GET /group/{name}.
func (b *RESTBackend) LoadGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&g).
		Get("/group/" + url.PathEscape(strings.ToLower(name)))
	if err != nil {
		return nil, unavailable("load group "+name, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		if g.Name == "" {
			g.Name = strings.ToLower(name)
		}
		return &g, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", name, model.ErrRankNotFound)
	default:
		return nil, unavailable("load group "+name, statusError(resp))
	}
}

// LoadUser fetches GET /user/{id}. A user without stored data loads as an empty record,
// the same as the plugin API does for first-time players.
func (b *RESTBackend) LoadUser(ctx context.Context, id model.Identity) (*User, error) {
	var u User
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&u).
		Get("/user/" + id.String())
	if err != nil {
		return nil, unavailable("load user "+id.String(), err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		u.Identity = id
		return &u, nil
	case http.StatusNotFound:
		return &User{Identity: id}, nil
	default:
		return nil, unavailable("load user "+id.String(), statusError(resp))
	}
}

// SaveUser replaces the user's nodes via PUT /user/{id}/nodes.
func (b *RESTBackend) SaveUser(ctx context.Context, user *User) error {
	nodes := user.Nodes
	if nodes == nil {
		nodes = []Node{}
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(nodes).
		Put("/user/" + user.Identity.String() + "/nodes")
	if err != nil {
		return unavailable("save user "+user.Identity.String(), err)
	}
	if resp.IsError() {
		return unavailable("save user "+user.Identity.String(), statusError(resp))
	}
	return nil
}

// Ensure RESTBackend implements Backend
var _ Backend = (*RESTBackend)(nil)
