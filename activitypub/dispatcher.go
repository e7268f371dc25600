package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
	"github.com/google/uuid"
)

// followerPageSize bounds each follower query during fan-out
const followerPageSize = 100

// replyCacheTTL caches fetched reply parents briefly; a burst of comments
// under the same post should not re-fetch it every time.
const replyCacheTTL = time.Hour

// Dispatcher fans activities out to remote inboxes. Destinations are the
// union of the sending account's followers, mentioned actors from cc, and
// the authors of everything the activity replies to.
type Dispatcher struct {
	db       Database
	client   *Client
	resolver *Resolver
	keys     *KeyStore
	hooks    *Hooks
	conf     *util.AppConfig
}

func NewDispatcher(database Database, client *Client, resolver *Resolver, keys *KeyStore, hooks *Hooks, conf *util.AppConfig) *Dispatcher {
	return &Dispatcher{
		db:       database,
		client:   client,
		resolver: resolver,
		keys:     keys,
		hooks:    hooks,
		conf:     conf,
	}
}

// ComputeDestinationInboxes returns the deduplicated inbox set for an
// activity sent by the given account, preferring shared inboxes, plus a
// map from inbox URI to the follower records delivered through it (used
// for error accounting).
func (d *Dispatcher) ComputeDestinationInboxes(activity *domain.Activity, accountId uuid.UUID) ([]string, map[string][]domain.Follower, error) {
	inboxSet := make(map[string]struct{})
	followersByInbox := make(map[string][]domain.Follower)

	// Followers, read page by page
	for offset := 0; ; offset += followerPageSize {
		err, page := d.db.ReadFollowersPage(accountId, followerPageSize, offset)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read followers: %w", err)
		}
		for _, follower := range *page {
			inbox := follower.DeliveryInbox()
			if inbox == "" {
				continue
			}
			inboxSet[inbox] = struct{}{}
			followersByInbox[inbox] = append(followersByInbox[inbox], follower)
		}
		if len(*page) < followerPageSize {
			break
		}
	}

	// Mentioned actors from cc
	for _, cc := range activity.GetCC() {
		if cc == domain.PublicURI || d.isLocalURI(cc) {
			continue
		}
		actor, err := d.resolver.Resolve(cc)
		if err != nil {
			log.Printf("Dispatcher: Skipping cc %s: %v", cc, err)
			continue
		}
		if inbox := actor.DeliveryInbox(); inbox != "" {
			inboxSet[inbox] = struct{}{}
		}
	}

	// Authors of the objects this activity replies to
	for _, parentURI := range activity.GetInReplyTo() {
		if parentURI == "" || d.isLocalURI(parentURI) {
			continue
		}
		for _, attributed := range d.fetchAttributedTo(parentURI) {
			actor, err := d.resolver.Resolve(attributed)
			if err != nil {
				log.Printf("Dispatcher: Skipping reply recipient %s: %v", attributed, err)
				continue
			}
			if inbox := actor.DeliveryInbox(); inbox != "" {
				inboxSet[inbox] = struct{}{}
			}
		}
	}

	inboxes := make([]string, 0, len(inboxSet))
	for inbox := range inboxSet {
		inboxes = append(inboxes, inbox)
	}

	inboxes = d.hooks.ApplyInboxFilters(inboxes, activity)
	return inboxes, followersByInbox, nil
}

// Dispatch serializes the activity once and delivers the identical bytes
// to every destination inbox concurrently. One slow or failing server
// never blocks or aborts delivery to the others. When objectURI is
// non-empty it is marked federated afterwards, even if the inbox set was
// empty, so origin objects are never re-dispatched.
func (d *Dispatcher) Dispatch(activity *domain.Activity, accountId uuid.UUID, objectURI string) error {
	// Federation switch: with ActivityPub off nothing is resolved, signed
	// or sent, but origin objects still advance to federated so they are
	// not re-dispatched when the switch comes back on.
	if !d.conf.Conf.WithAp {
		log.Printf("Dispatcher: Federation disabled, skipping %s", activity.Type)
		if objectURI != "" {
			if err := d.db.SetFederationState(objectURI, domain.StateFederated); err != nil {
				log.Printf("Dispatcher: Failed to mark %s federated: %v", objectURI, err)
			}
		}
		return nil
	}

	payload, err := activity.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize activity: %w", err)
	}

	inboxes, followersByInbox, err := d.ComputeDestinationInboxes(activity, accountId)
	if err != nil {
		return err
	}

	keyID, key, err := d.keys.AccountSigner(accountId)
	if err != nil {
		return fmt.Errorf("no signing key: %w", err)
	}

	workers := d.conf.Conf.DeliveryWorkers
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, inbox := range inboxes {
		wg.Add(1)
		sem <- struct{}{}
		go func(inbox string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := d.client.Post(inbox, payload, keyID, key)
			d.recordDeliveryResult(inbox, followersByInbox[inbox], err)
		}(inbox)
	}
	wg.Wait()

	log.Printf("Dispatcher: Delivered %s to %d inboxes", activity.Type, len(inboxes))

	if objectURI != "" {
		if err := d.db.SetFederationState(objectURI, domain.StateFederated); err != nil {
			log.Printf("Dispatcher: Failed to mark %s federated: %v", objectURI, err)
		}
	}
	return nil
}

// recordDeliveryResult updates the consecutive-error counters of all
// followers reached through an inbox. Deletion of persistently failing
// followers happens in the daily cleanup, not here.
func (d *Dispatcher) recordDeliveryResult(inbox string, followers []domain.Follower, deliveryErr error) {
	if deliveryErr == nil {
		for _, f := range followers {
			if f.ErrorCount > 0 {
				if err := d.db.ResetFollowerErrors(f.Id); err != nil {
					log.Printf("Dispatcher: Failed to reset errors for %s: %v", f.ActorURI, err)
				}
			}
		}
		return
	}

	log.Printf("Dispatcher: Delivery to %s failed: %v", inbox, deliveryErr)
	for _, f := range followers {
		if err := d.db.IncrementFollowerErrors(f.Id, deliveryErr.Error()); err != nil {
			log.Printf("Dispatcher: Failed to record error for %s: %v", f.ActorURI, err)
		}
	}
}

// fetchAttributedTo fetches a remote object and returns its attributedTo
// actor identifiers. Failures return an empty list; a missing reply parent
// must not abort the whole fan-out.
func (d *Dispatcher) fetchAttributedTo(objectURI string) []string {
	keyID, key, err := d.keys.SigningIdentity()
	if err != nil {
		return nil
	}

	body, err := d.client.Get(objectURI, keyID, key, replyCacheTTL)
	if err != nil {
		log.Printf("Dispatcher: Failed to fetch reply parent %s: %v", objectURI, err)
		return nil
	}

	var obj struct {
		AttributedTo any `json:"attributedTo"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}

	var actors []string
	switch v := obj.AttributedTo.(type) {
	case string:
		if v != "" {
			actors = append(actors, v)
		}
	case []any:
		for _, entry := range v {
			switch item := entry.(type) {
			case string:
				actors = append(actors, item)
			case map[string]any:
				if id, ok := item["id"].(string); ok {
					actors = append(actors, id)
				}
			}
		}
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			actors = append(actors, id)
		}
	}
	return actors
}

func (d *Dispatcher) isLocalURI(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, d.conf.Conf.SslDomain)
}
