package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
)

// ActorCacheTTL is how long a cached remote actor profile stays fresh.
const ActorCacheTTL = 7 * 24 * time.Hour

// WebFingerTTL is how long webfinger documents are cached.
const WebFingerTTL = 24 * time.Hour

// Resolver turns actor identifiers into cached RemoteAccount records. It
// accepts three shapes: a direct actor URI, a user@host address resolved
// via webfinger, and an inline object carrying an id.
type Resolver struct {
	db     Database
	client *Client
	keys   *KeyStore

	// now is swappable so TTL behavior is testable
	now func() time.Time
}

// NewResolver creates an actor resolver. Fetches are signed with the
// instance identity from the key store.
func NewResolver(database Database, client *Client, keys *KeyStore) *Resolver {
	r := &Resolver{
		db:     database,
		client: client,
		keys:   keys,
		now:    time.Now,
	}
	keys.SetResolver(r)
	return r
}

// actorDocument is the subset of an ActivityPub actor document the
// resolver cares about.
type actorDocument struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Icon struct {
		URL string `json:"url"`
	} `json:"icon"`
}

// webFingerResponse is the subset of RFC 7033 the resolver cares about.
type webFingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolve returns the RemoteAccount for an actor identifier, serving a
// fresh cache entry without network traffic. Tombstoned actors resolve to
// ErrActorGone until a later refresh finds them alive again.
func (r *Resolver) Resolve(identifier string) (*domain.RemoteAccount, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrInvalidActorIdentifier
	}

	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") {
		return r.resolveURI(identifier)
	}

	// @user@host or user@host
	address := strings.TrimPrefix(identifier, "@")
	if name, host, found := strings.Cut(address, "@"); found && name != "" && host != "" {
		actorURI, err := r.webFinger(name, host)
		if err != nil {
			return nil, err
		}
		return r.resolveURI(actorURI)
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidActorIdentifier, identifier)
}

// ResolveValue resolves an identifier in the shapes activities embed
// actors and audience entries in: a URI string, an inline object carrying
// id, url or href (Link objects use href), or a list whose first element
// is one of those.
func (r *Resolver) ResolveValue(v any) (*domain.RemoteAccount, error) {
	switch val := v.(type) {
	case string:
		return r.Resolve(val)
	case []any:
		if len(val) > 0 {
			return r.ResolveValue(val[0])
		}
	case map[string]any:
		for _, field := range []string{"id", "url", "href"} {
			if uri, ok := val[field].(string); ok && uri != "" {
				return r.Resolve(uri)
			}
		}
	}
	return nil, ErrInvalidActorIdentifier
}

func (r *Resolver) resolveURI(actorURI string) (*domain.RemoteAccount, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActorURL, actorURI)
	}

	if err, cached := r.db.ReadRemoteAccountByActorURI(actorURI); err == nil {
		if cached.Gone {
			return nil, ErrActorGone
		}
		if r.now().Before(cached.LastFetchedAt.Add(ActorCacheTTL)) {
			return cached, nil
		}
		// Stale entry; fall through to refresh but keep it usable if
		// the remote server is temporarily down.
		refreshed, err := r.fetchActor(actorURI)
		if err != nil {
			if IsTombstone(err) {
				r.db.MarkRemoteAccountGone(actorURI)
				return nil, ErrActorGone
			}
			log.Printf("Resolver: Refresh of %s failed, serving stale cache: %v", actorURI, err)
			return cached, nil
		}
		return refreshed, nil
	}

	actor, err := r.fetchActor(actorURI)
	if err != nil {
		if IsTombstone(err) {
			return nil, ErrActorGone
		}
		return nil, err
	}
	return actor, nil
}

// Refresh re-fetches an actor regardless of cache freshness. A tombstone
// response marks the cached entry gone and returns ErrActorGone.
func (r *Resolver) Refresh(actorURI string) (*domain.RemoteAccount, error) {
	actor, err := r.fetchActor(actorURI)
	if err != nil {
		if IsTombstone(err) {
			r.db.MarkRemoteAccountGone(actorURI)
			return nil, ErrActorGone
		}
		return nil, err
	}
	return actor, nil
}

func (r *Resolver) fetchActor(actorURI string) (*domain.RemoteAccount, error) {
	keyID, key, err := r.keys.SigningIdentity()
	if err != nil {
		return nil, err
	}

	body, err := r.client.Get(actorURI, keyID, key, 0)
	if err != nil {
		return nil, err
	}

	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if doc.ID == "" {
		return nil, fmt.Errorf("%w: document has no id", ErrInvalidJSON)
	}
	if doc.Inbox == "" {
		return nil, ErrNoInbox
	}

	parsed, err := url.Parse(doc.ID)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActorURL, doc.ID)
	}

	username := doc.PreferredUsername
	if username == "" {
		username = parsed.Host
	}

	actor := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         parsed.Host,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  r.now(),
	}

	// Keep the existing row id if this actor is already cached
	if err, cached := r.db.ReadRemoteAccountByActorURI(doc.ID); err == nil {
		actor.Id = cached.Id
	}

	if err := r.db.UpsertRemoteAccount(actor); err != nil {
		log.Printf("Resolver: Failed to cache actor %s: %v", doc.ID, err)
	}
	return actor, nil
}

// webFinger resolves a user@host address to an actor URI via the host's
// well-known webfinger endpoint.
func (r *Resolver) webFinger(name, host string) (string, error) {
	keyID, key, err := r.keys.SigningIdentity()
	if err != nil {
		return "", err
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape(fmt.Sprintf("acct:%s@%s", name, host)))

	body, err := r.client.GetWithAccept(wfURL, contentTypeJRD, keyID, key, WebFingerTTL)
	if err != nil {
		return "", err
	}

	var wf webFingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	for _, link := range wf.Links {
		if link.Rel != "self" {
			continue
		}
		if strings.Contains(link.Type, "activity+json") && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("%w: no self link for %s@%s", ErrInvalidActorIdentifier, name, host)
}
