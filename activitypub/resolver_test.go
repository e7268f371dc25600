package activitypub

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
)

const testActorURI = "https://remote.example/users/alice"

func serveTestActor(env *testEnv) {
	env.http.Respond(testActorURI, http.StatusOK, actorJSON(
		testActorURI,
		"alice",
		testActorURI+"/inbox",
		"https://remote.example/inbox",
		"",
	))
}

func TestResolveDirectURI(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	actor, err := env.resolver.Resolve(testActorURI)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if actor.ActorURI != testActorURI {
		t.Errorf("unexpected actor URI: %s", actor.ActorURI)
	}
	if actor.Username != "alice" {
		t.Errorf("unexpected username: %s", actor.Username)
	}
	if actor.Domain != "remote.example" {
		t.Errorf("unexpected domain: %s", actor.Domain)
	}
	if actor.InboxURI != testActorURI+"/inbox" {
		t.Errorf("unexpected inbox: %s", actor.InboxURI)
	}
	if actor.SharedInboxURI != "https://remote.example/inbox" {
		t.Errorf("unexpected shared inbox: %s", actor.SharedInboxURI)
	}

	// The actor fetch is signed
	reqs := env.http.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Header.Get("Signature") == "" {
		t.Error("actor fetch was not signed")
	}
}

func TestResolveServesFreshCacheWithoutFetch(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if n := env.http.RequestsTo(testActorURI); n != 1 {
		t.Errorf("fresh cache should suppress the second fetch, saw %d requests", n)
	}
}

func TestResolveRefetchesStaleCache(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	// Jump past the cache TTL
	env.resolver.now = func() time.Time { return time.Now().Add(ActorCacheTTL + time.Hour) }

	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("stale resolve failed: %v", err)
	}
	if n := env.http.RequestsTo(testActorURI); n != 2 {
		t.Errorf("stale cache should trigger a refetch, saw %d requests", n)
	}
}

func TestResolveServesStaleCacheOnTransientError(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	env.resolver.now = func() time.Time { return time.Now().Add(ActorCacheTTL + time.Hour) }
	env.http.Respond(testActorURI, http.StatusInternalServerError, nil)

	actor, err := env.resolver.Resolve(testActorURI)
	if err != nil {
		t.Fatalf("expected stale cache to be served, got error: %v", err)
	}
	if actor.Username != "alice" {
		t.Errorf("stale entry corrupted: %+v", actor)
	}
}

func TestResolveTombstoneMarksActorGone(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	if _, err := env.resolver.Resolve(testActorURI); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}

	env.resolver.now = func() time.Time { return time.Now().Add(ActorCacheTTL + time.Hour) }
	env.http.Respond(testActorURI, http.StatusGone, nil)

	if _, err := env.resolver.Resolve(testActorURI); !errors.Is(err, ErrActorGone) {
		t.Fatalf("expected ErrActorGone, got %v", err)
	}

	// The tombstone is sticky: no further network traffic
	if _, err := env.resolver.Resolve(testActorURI); !errors.Is(err, ErrActorGone) {
		t.Fatalf("expected ErrActorGone from cache, got %v", err)
	}
	if n := env.http.RequestsTo(testActorURI); n != 2 {
		t.Errorf("gone actor should not be refetched, saw %d requests", n)
	}
}

func TestResolveWebFingerAddress(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)
	env.http.Respond(
		"https://remote.example/.well-known/webfinger?resource=acct%3Aalice%40remote.example",
		http.StatusOK,
		[]byte(`{
			"subject": "acct:alice@remote.example",
			"links": [
				{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://remote.example/@alice"},
				{"rel": "self", "type": "application/activity+json", "href": "https://remote.example/users/alice"}
			]
		}`),
	)

	for _, identifier := range []string{"alice@remote.example", "@alice@remote.example"} {
		actor, err := env.resolver.Resolve(identifier)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", identifier, err)
		}
		if actor.ActorURI != testActorURI {
			t.Errorf("Resolve(%q): unexpected actor URI %s", identifier, actor.ActorURI)
		}
	}

	// Webfinger requests ask for jrd+json, not an activity document
	for _, req := range env.http.Requests() {
		if !strings.Contains(req.URL.String(), "webfinger") {
			continue
		}
		if accept := req.Header.Get("Accept"); accept != "application/jrd+json" {
			t.Errorf("webfinger request Accept = %q, want application/jrd+json", accept)
		}
	}
}

func TestResolveInvalidIdentifier(t *testing.T) {
	env := newTestEnv(t)

	for _, identifier := range []string{"", "alice", "@alice", "not a uri"} {
		if _, err := env.resolver.Resolve(identifier); !errors.Is(err, ErrInvalidActorIdentifier) {
			t.Errorf("Resolve(%q): expected ErrInvalidActorIdentifier, got %v", identifier, err)
		}
	}
}

func TestResolveValue(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	actor, err := env.resolver.ResolveValue(testActorURI)
	if err != nil {
		t.Fatalf("ResolveValue(string) failed: %v", err)
	}
	if actor.ActorURI != testActorURI {
		t.Errorf("unexpected actor URI: %s", actor.ActorURI)
	}

	// Inline object shapes: id, url, and Link-style href
	inline := []any{
		map[string]any{"id": testActorURI, "type": "Person"},
		map[string]any{"url": testActorURI, "type": "Person"},
		map[string]any{"type": "Link", "href": testActorURI},
	}
	for _, v := range inline {
		actor, err = env.resolver.ResolveValue(v)
		if err != nil {
			t.Fatalf("ResolveValue(%v) failed: %v", v, err)
		}
		if actor.ActorURI != testActorURI {
			t.Errorf("ResolveValue(%v): unexpected actor URI %s", v, actor.ActorURI)
		}
	}

	// Lists resolve through their first element
	actor, err = env.resolver.ResolveValue([]any{testActorURI, "https://other.example/users/ignored"})
	if err != nil {
		t.Fatalf("ResolveValue(list) failed: %v", err)
	}
	if actor.ActorURI != testActorURI {
		t.Errorf("unexpected actor URI: %s", actor.ActorURI)
	}

	if _, err := env.resolver.ResolveValue(42); !errors.Is(err, ErrInvalidActorIdentifier) {
		t.Errorf("expected ErrInvalidActorIdentifier for numeric value, got %v", err)
	}
	if _, err := env.resolver.ResolveValue([]any{}); !errors.Is(err, ErrInvalidActorIdentifier) {
		t.Errorf("expected ErrInvalidActorIdentifier for empty list, got %v", err)
	}
}

func TestRefreshKeepsRowId(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env)

	first, err := env.resolver.Resolve(testActorURI)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	refreshed, err := env.resolver.Refresh(testActorURI)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.Id != first.Id {
		t.Errorf("refresh must keep the cached row id: %s != %s", refreshed.Id, first.Id)
	}
}

func TestResolveActorWithoutInbox(t *testing.T) {
	env := newTestEnv(t)
	env.http.Respond(testActorURI, http.StatusOK, []byte(`{"id": "https://remote.example/users/alice", "type": "Person"}`))

	if _, err := env.resolver.Resolve(testActorURI); !errors.Is(err, ErrNoInbox) {
		t.Fatalf("expected ErrNoInbox, got %v", err)
	}
}

func TestRemotePublicKeyFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.db.UpsertRemoteAccount(&domain.RemoteAccount{
		Id:            uuid.New(),
		ActorURI:      testActorURI,
		InboxURI:      testActorURI + "/inbox",
		PublicKeyPem:  "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----",
		LastFetchedAt: time.Now(),
	})

	pem, err := env.keys.RemotePublicKey(testActorURI)
	if err != nil {
		t.Fatalf("RemotePublicKey failed: %v", err)
	}
	if pem == "" {
		t.Error("expected cached public key")
	}
	if len(env.http.Requests()) != 0 {
		t.Error("cached key lookup should not hit the network")
	}
}

func TestRemotePublicKeyMissing(t *testing.T) {
	env := newTestEnv(t)
	serveTestActor(env) // actor document has an empty publicKeyPem

	if _, err := env.keys.RemotePublicKey(testActorURI); !errors.Is(err, ErrNoPublicKey) {
		t.Fatalf("expected ErrNoPublicKey, got %v", err)
	}
}
