package activitypub

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
	"github.com/google/uuid"
)

// Outbox sends protocol-level activities (Accept, Follow, Undo) directly
// to a single remote inbox. Fan-out of content activities goes through the
// Dispatcher instead.
type Outbox struct {
	db     Database
	client *Client
	keys   *KeyStore
	conf   *util.AppConfig
}

func NewOutbox(database Database, client *Client, keys *KeyStore, conf *util.AppConfig) *Outbox {
	return &Outbox{db: database, client: client, keys: keys, conf: conf}
}

func (o *Outbox) actorURI(account *domain.Account) string {
	return fmt.Sprintf("https://%s/users/%s", o.conf.Conf.SslDomain, account.Username)
}

func (o *Outbox) newActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
}

// SendActivity marshals an activity and delivers it to a remote inbox with
// a signature from the given local account.
func (o *Outbox) SendActivity(activity any, inboxURI string, accountId uuid.UUID) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	keyID, key, err := o.keys.AccountSigner(accountId)
	if err != nil {
		return fmt.Errorf("no signing key: %w", err)
	}

	if err := o.client.Post(inboxURI, payload, keyID, key); err != nil {
		return err
	}

	log.Printf("Outbox: Sent %T to %s", activity, inboxURI)
	return nil
}

// SendAccept sends an Accept activity in response to a Follow
func (o *Outbox) SendAccept(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string) error {
	actorURI := o.actorURI(localAccount)

	accept := map[string]any{
		"@context": domain.ASContext,
		"id":       o.newActivityID(),
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	return o.SendActivity(accept, remoteActor.InboxURI, localAccount.Id)
}

// SendFollow sends a Follow activity from a local account to a remote
// actor and records it as pending until the Accept comes back.
func (o *Outbox) SendFollow(localAccount *domain.Account, remoteActor *domain.RemoteAccount) error {
	if remoteActor.Domain == o.conf.Conf.SslDomain && remoteActor.Username == localAccount.Username {
		return fmt.Errorf("self-follow not allowed")
	}

	err, existing := o.db.ReadFollowByActor(localAccount.Id, remoteActor.ActorURI)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing follow: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("already following %s@%s", remoteActor.Username, remoteActor.Domain)
	}

	followID := o.newActivityID()
	follow := map[string]any{
		"@context": domain.ASContext,
		"id":       followID,
		"type":     "Follow",
		"actor":    o.actorURI(localAccount),
		"object":   remoteActor.ActorURI,
	}

	followRecord := &domain.Follow{
		Id:             uuid.New(),
		AccountId:      localAccount.Id,
		TargetActorURI: remoteActor.ActorURI,
		URI:            followID,
		Accepted:       false, // Pending until Accept received
		CreatedAt:      time.Now(),
	}
	if err := o.db.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return o.SendActivity(follow, remoteActor.InboxURI, localAccount.Id)
}

// SendUndo sends an Undo for a previously sent Follow (an unfollow) and
// removes the local record.
func (o *Outbox) SendUndo(localAccount *domain.Account, follow *domain.Follow, remoteActor *domain.RemoteAccount) error {
	actorURI := o.actorURI(localAccount)

	undo := map[string]any{
		"@context": domain.ASContext,
		"id":       o.newActivityID(),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     follow.URI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remoteActor.ActorURI,
		},
	}

	log.Printf("Outbox: Sending Undo (unfollow) from %s to %s@%s", localAccount.Username, remoteActor.Username, remoteActor.Domain)
	if err := o.SendActivity(undo, remoteActor.InboxURI, localAccount.Id); err != nil {
		return err
	}
	return o.db.DeleteFollowByURI(follow.URI)
}

// QueueDelivery puts a serialized activity on the durable delivery queue
// for the background worker to pick up.
func (o *Outbox) QueueDelivery(accountId uuid.UUID, inboxURI string, payload []byte) error {
	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		AccountId:    accountId,
		InboxURI:     inboxURI,
		ActivityJSON: string(payload),
		Attempts:     0,
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	}
	return o.db.EnqueueDelivery(item)
}
