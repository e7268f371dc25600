package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityStreams context used on every outbound activity
const ASContext = "https://www.w3.org/ns/activitystreams"

// PublicURI is the special ActivityStreams "public" audience
const PublicURI = "https://www.w3.org/ns/activitystreams#Public"

// Account represents a locally-controlled identity capable of signing
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	PublicKeyPem  string
	PrivateKeyPem string
	IsInstance    bool // machine-to-machine actor used to sign resolver fetches
	CreatedAt     time.Time
}

// RemoteAccount represents a cached snapshot of a federated actor's profile
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	Gone           bool // actor deterministically reported deleted (HTTP 404/410)
	LastFetchedAt  time.Time
}

// DeliveryInbox returns the shared inbox when the remote server publishes one,
// falling back to the actor's own inbox.
func (r *RemoteAccount) DeliveryInbox() string {
	if r.SharedInboxURI != "" {
		return r.SharedInboxURI
	}
	return r.InboxURI
}

// Follower represents "remote actor X follows local account Y"
type Follower struct {
	Id             uuid.UUID
	AccountId      uuid.UUID // the local account being followed
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
	DisplayName    string
	Username       string
	AvatarURL      string
	ErrorCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryInbox prefers the shared inbox over the individual one.
func (f *Follower) DeliveryInbox() string {
	if f.SharedInboxURI != "" {
		return f.SharedInboxURI
	}
	return f.InboxURI
}

// Follow represents a Follow activity we sent to a remote actor
type Follow struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	TargetActorURI string
	URI            string // the Follow activity URI (needed for Undo and Accept matching)
	Accepted       bool
	CreatedAt      time.Time
}

// Activity is an outbound ActivityStreams envelope with a fixed set of
// typed accessors. The object is kept raw so callers can embed whatever
// shape the host application produced.
type Activity struct {
	Context   any      `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published,omitempty"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	InReplyTo []string `json:"inReplyTo,omitempty"`
	Object    any      `json:"object,omitempty"`
}

// ToJSON serializes the activity exactly once per dispatch; the result is
// byte-identical across all destination inboxes.
func (a *Activity) ToJSON() ([]byte, error) {
	if a.Context == nil {
		a.Context = ASContext
	}
	return json.Marshal(a)
}

func (a *Activity) GetCC() []string        { return a.CC }
func (a *Activity) GetInReplyTo() []string { return a.InReplyTo }

// ActivityRecord is the stored form of an inbound or outbound activity,
// used for deduplication and debugging
type ActivityRecord struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Update, Delete, Undo, Accept, Announce
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

// Federation states of a local object (post/comment)
const (
	StateUnfederated = "unfederated"
	StateScheduled   = "scheduled"
	StateFederated   = "federated"
)

// FederatedObject tracks the federation state of a host-application object
type FederatedObject struct {
	Id        uuid.UUID
	ObjectURI string
	Kind      string // post, comment, profile
	State     string
	UpdatedAt time.Time
}

// ObjectEvent is the host application's "something changed" signal. The
// core never reaches into host storage; the host constructs one of these
// and hands it to the app boundary.
type ObjectEvent struct {
	Kind     string // post, comment, profile
	ID       string
	OldState string
	NewState string
}

// DeliveryQueueItem represents a durably queued outbound delivery
type DeliveryQueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID // signing identity
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
