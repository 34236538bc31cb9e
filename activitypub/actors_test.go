package activitypub

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
)

func newTestResolver(t *testing.T) (*Resolver, *db.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return NewResolver(database), database
}

func cacheActor(t *testing.T, database *db.DB, actorURI string, fetchedAt time.Time) {
	t.Helper()
	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----",
		LastFetchedAt: fetchedAt,
	}
	if err := database.UpsertRemoteAccount(acc); err != nil {
		t.Fatalf("Failed to cache actor: %v", err)
	}
}

func TestResolveFreshCacheSkipsNetwork(t *testing.T) {
	r, database := newTestResolver(t)

	// Unroutable host: any fetch attempt would fail loudly.
	actorURI := "https://127.0.0.1:1/users/bob"
	cacheActor(t, database, actorURI, time.Now())

	resolved, err := r.Resolve(actorURI)
	if err != nil {
		t.Fatalf("Expected fresh cache hit, got: %v", err)
	}
	if resolved.ActorURI != actorURI {
		t.Errorf("Unexpected actor: %s", resolved.ActorURI)
	}
}

func TestResolveServesStaleOnFetchFailure(t *testing.T) {
	r, database := newTestResolver(t)

	actorURI := "https://127.0.0.1:1/users/bob"
	cacheActor(t, database, actorURI, time.Now().Add(-48*time.Hour))

	resolved, err := r.Resolve(actorURI)
	if err != nil {
		t.Fatalf("Expected stale cache to be served, got: %v", err)
	}
	if resolved.ActorURI != actorURI {
		t.Errorf("Unexpected actor: %s", resolved.ActorURI)
	}
}

func TestResolveRejectsTooStale(t *testing.T) {
	r, database := newTestResolver(t)

	actorURI := "https://127.0.0.1:1/users/bob"
	cacheActor(t, database, actorURI, time.Now().Add(-8*24*time.Hour))

	if _, err := r.Resolve(actorURI); err == nil {
		t.Error("Expected resolution to fail beyond the staleness bound")
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	r, database := newTestResolver(t)

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		fmt.Fprintf(w, `{
			"id": "%s/users/bob",
			"type": "Person",
			"preferredUsername": "bob",
			"name": "Bob",
			"inbox": "%s/users/bob/inbox",
			"endpoints": {"sharedInbox": "%s/inbox"},
			"publicKey": {"id": "%s/users/bob#main-key", "owner": "%s/users/bob", "publicKeyPem": "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----"}
		}`, server.URL, server.URL, server.URL, server.URL, server.URL)
	}))
	defer server.Close()

	actorURI := server.URL + "/users/bob"
	resolved, err := r.Resolve(actorURI)
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if resolved.SharedInboxURI != server.URL+"/inbox" {
		t.Errorf("Expected shared inbox to be cached, got %q", resolved.SharedInboxURI)
	}

	// The fetched document is now in the cache.
	err, cached := database.ReadRemoteAccountByURI(actorURI)
	if err != nil || cached == nil {
		t.Fatal("Expected actor to be cached after fetch")
	}
	if cached.Username != "bob" {
		t.Errorf("Unexpected cached username: %s", cached.Username)
	}
}

func TestResolveHandle(t *testing.T) {
	r, _ := newTestResolver(t)

	if _, err := r.ResolveHandle("not-a-handle"); err == nil {
		t.Error("Expected invalid handle to fail")
	}
	if _, err := r.ResolveHandle("@"); err == nil {
		t.Error("Expected empty handle to fail")
	}
}

func TestFetchActorRejectsIncompleteDocument(t *testing.T) {
	r, _ := newTestResolver(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		// No inbox, no public key.
		fmt.Fprint(w, `{"id": "https://remote.example/users/bob", "type": "Person"}`)
	}))
	defer server.Close()

	if _, err := r.fetchActor(server.URL + "/users/bob"); err == nil {
		t.Error("Expected incomplete actor document to be rejected")
	}
}
