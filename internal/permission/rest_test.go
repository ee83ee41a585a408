package permission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ranksync/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTBackend(t *testing.T) {
	id := uuid.New()
	var saved []Node

	mux := http.NewServeMux()
	mux.HandleFunc("/user/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "Steve" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"uniqueId": id.String()})
	})
	mux.HandleFunc("/group/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/group/")
		if name != "vip" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Group{Name: "vip", Nodes: []Node{InheritanceNode("default")}})
	})
	mux.HandleFunc("/user/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer lp-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/nodes"):
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/user/"+id.String():
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(User{Identity: id, Username: "Steve", Nodes: saved})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewRESTBackend(srv.URL+"/", "lp-key")
	ctx := context.Background()

	got, err := b.LookupIdentity(ctx, "Steve")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = b.LookupIdentity(ctx, "Ghost")
	assert.ErrorIs(t, err, model.ErrIdentityNotFound)

	g, err := b.LoadGroup(ctx, "VIP")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, g.Parents())

	_, err = b.LoadGroup(ctx, "legend")
	assert.ErrorIs(t, err, model.ErrRankNotFound)

	user, err := b.LoadUser(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, user.Nodes)

	user.Nodes = append(user.Nodes, InheritanceNode("vip"))
	require.NoError(t, b.SaveUser(ctx, user))
	assert.Equal(t, []Node{InheritanceNode("vip")}, saved)

	user, err = b.LoadUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, user.Groups())

	fresh, err := b.LoadUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, fresh.Nodes)
}

func TestRESTBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewRESTBackend(srv.URL, "")
	_, err := b.LoadUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)

	_, err = b.LookupIdentity(context.Background(), "Steve")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}
