package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deemkeen/fedipress/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(domain string, username string, action action) string {

	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// GetActor returns an actor document for a local account, with the keypair
// generated on first request if the account has none yet. Registered actor
// filters run last, so host applications can amend the document.
func (s *Server) GetActor(username string) (error, string) {
	err, acc := s.db.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	acc, err = s.keys.GetOrCreateKeypair(acc.Id, false)
	if err != nil {
		return err, "{}"
	}

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	domain := s.conf.Conf.SslDomain
	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        getIRI(domain, acc.Username, id),
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"inbox":                     getIRI(domain, acc.Username, inbox),
		"outbox":                    getIRI(domain, acc.Username, outbox),
		"followers":                 getIRI(domain, acc.Username, followers),
		"following":                 getIRI(domain, acc.Username, following),
		"url":                       getIRI(domain, acc.Username, id),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": getIRI(domain, acc.Username, sharedInbox),
		},
		"publicKey": map[string]any{
			"id":           getIRI(domain, acc.Username, id) + "#main-key",
			"owner":        getIRI(domain, acc.Username, id),
			"publicKeyPem": acc.PublicKeyPem,
		},
	}

	doc = s.hooks.ApplyActorFilters(doc, acc)

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetWebfinger resolves an acct: resource to the account's actor link.
func (s *Server) GetWebfinger(username string) (error, string) {
	if ok, reason := util.IsValidWebFingerUsername(username); !ok {
		return fmt.Errorf("invalid username %q: %s", username, reason), "{}"
	}

	err, acc := s.db.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	domain := s.conf.Conf.SslDomain
	actorURI := getIRI(domain, acc.Username, id)

	resp := map[string]any{
		"subject": fmt.Sprintf("acct:%s@%s", acc.Username, domain),
		"aliases": []string{actorURI},
		"links": []map[string]any{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actorURI,
			},
			{
				"rel":  "http://webfinger.net/rel/profile-page",
				"type": "text/html",
				"href": actorURI,
			},
		},
	}

	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetWebFingerNotFound returns the body for unknown webfinger resources.
func GetWebFingerNotFound() string {
	return `{"error": "not found"}`
}

// GetFollowersCollection returns an ActivityPub OrderedCollection of followers
// Always uses paging for compatibility with Mastodon and other servers
func GetFollowersCollection(actor string, conf *util.AppConfig, total int) string {
	collectionURI := fmt.Sprintf("https://%s/users/%s/followers", conf.Conf.SslDomain, actor)

	collection := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      fmt.Sprintf("%s?page=1", collectionURI),
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// GetFollowersPage returns an OrderedCollectionPage for followers
func GetFollowersPage(actor string, conf *util.AppConfig, followerURIs []string, page, total int) string {
	collectionURI := fmt.Sprintf("https://%s/users/%s/followers", conf.Conf.SslDomain, actor)
	pageURI := fmt.Sprintf("%s?page=%d", collectionURI, page)

	collectionPage := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           pageURI,
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURI,
		"orderedItems": followerURIs,
		"totalItems":   total,
	}

	jsonBytes, err := json.Marshal(collectionPage)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// GetFollowingCollection returns an ActivityPub OrderedCollection of following
func GetFollowingCollection(actor string, conf *util.AppConfig, followingURIs []string) string {
	collectionURI := fmt.Sprintf("https://%s/users/%s/following", conf.Conf.SslDomain, actor)

	collection := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": len(followingURIs),
		"first":      fmt.Sprintf("%s?page=1", collectionURI),
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// ParseActorFromResource strips the acct: prefix and local domain suffix
// from a webfinger resource query.
func ParseActorFromResource(resource, domain string) string {
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", domain))
	return resource
}
