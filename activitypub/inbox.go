package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
)

// Inbox processes incoming ActivityPub activities for local accounts.
type Inbox struct {
	db       Database
	resolver *Resolver
	keys     *KeyStore
	outbox   *Outbox
}

func NewInbox(database Database, resolver *Resolver, keys *KeyStore, outbox *Outbox) *Inbox {
	return &Inbox{db: database, resolver: resolver, keys: keys, outbox: outbox}
}

// envelope is the generic shape of an incoming activity
type envelope struct {
	Context any    `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Actor   string `json:"actor"`
	Object  any    `json:"object"`
}

// Handle processes an incoming activity addressed to a local account.
// Every request must carry a valid HTTP signature from a key we can
// resolve; an actor without a usable public key is rejected outright.
func (in *Inbox) Handle(w http.ResponseWriter, r *http.Request, username string) {
	signature := r.Header.Get("Signature")
	if signature == "" {
		log.Printf("Inbox: Missing HTTP signature")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Check if body was truncated (too large)
	if len(body) == maxBodySize {
		log.Printf("Inbox: Request body too large")
		http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var activity envelope
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.Actor)

	publicKeyPem, err := in.keys.RemotePublicKey(activity.Actor)
	if err != nil {
		log.Printf("Inbox: No usable key for %s: %v", activity.Actor, err)
		http.Error(w, "Failed to verify actor", http.StatusUnauthorized)
		return
	}

	// Restore body for signature verification (body was consumed during read)
	r.Body = io.NopCloser(bytes.NewReader(body))

	signerURI, err := VerifyRequest(r, publicKeyPem)
	if err != nil {
		log.Printf("Inbox: Signature verification failed: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if signerURI != activity.Actor {
		log.Printf("Inbox: Key owner %s does not match activity actor %s", signerURI, activity.Actor)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	record := &domain.ActivityRecord{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    extractObjectURI(activity.Object),
		RawJSON:      string(body),
		Processed:    false,
		Local:        false,
		CreatedAt:    time.Now(),
	}

	if err := in.db.CreateActivity(record); err != nil {
		// The UNIQUE constraint on activity_uri is the dedup mechanism:
		// a replayed activity is acknowledged without reprocessing.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			log.Printf("Inbox: Activity %s already processed, returning success", activity.ID)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		log.Printf("Inbox: Failed to store activity: %v", err)
		// Don't fail the request, we'll process it anyway
	}

	switch activity.Type {
	case "Follow":
		if err := in.handleFollow(body, username); err != nil {
			log.Printf("Inbox: Failed to handle Follow: %v", err)
			http.Error(w, "Failed to process Follow", http.StatusInternalServerError)
			return
		}
	case "Undo":
		if err := in.handleUndo(body, username); err != nil {
			log.Printf("Inbox: Failed to handle Undo: %v", err)
			http.Error(w, "Failed to process Undo", http.StatusInternalServerError)
			return
		}
	case "Accept":
		if err := in.handleAccept(body); err != nil {
			log.Printf("Inbox: Failed to handle Accept: %v", err)
			// Don't fail the request
		}
	case "Update":
		if err := in.handleUpdate(body); err != nil {
			log.Printf("Inbox: Failed to handle Update: %v", err)
			http.Error(w, "Failed to process Update", http.StatusInternalServerError)
			return
		}
	case "Delete":
		if err := in.handleDelete(body); err != nil {
			log.Printf("Inbox: Failed to handle Delete: %v", err)
			http.Error(w, "Failed to process Delete", http.StatusInternalServerError)
			return
		}
	default:
		log.Printf("Inbox: Unsupported activity type: %s", activity.Type)
	}

	record.Processed = true
	if err := in.db.UpdateActivity(record); err != nil {
		log.Printf("Inbox: Failed to update activity: %v", err)
		// Continue anyway, this is not critical
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleFollow records the remote actor as a follower and answers with an
// Accept. A repeated Follow refreshes the cached actor fields but keeps
// the existing error counter.
func (in *Inbox) handleFollow(body []byte, username string) error {
	var follow struct {
		ID     string `json:"id"`
		Actor  string `json:"actor"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &follow); err != nil {
		return fmt.Errorf("failed to parse Follow activity: %w", err)
	}

	err, localAccount := in.db.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	remoteActor, err := in.resolver.Resolve(follow.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower: %w", err)
	}

	log.Printf("Inbox: Processing Follow from %s@%s", remoteActor.Username, remoteActor.Domain)

	now := time.Now()
	follower := &domain.Follower{
		Id:             uuid.New(),
		AccountId:      localAccount.Id,
		ActorURI:       remoteActor.ActorURI,
		InboxURI:       remoteActor.InboxURI,
		SharedInboxURI: remoteActor.SharedInboxURI,
		DisplayName:    remoteActor.DisplayName,
		Username:       remoteActor.Username + "@" + remoteActor.Domain,
		AvatarURL:      remoteActor.AvatarURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := in.db.UpsertFollower(follower); err != nil {
		return fmt.Errorf("failed to store follower: %w", err)
	}

	if err := in.outbox.SendAccept(localAccount, remoteActor, follow.ID); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	log.Printf("Inbox: Accepted follow from %s@%s", remoteActor.Username, remoteActor.Domain)
	return nil
}

// handleUndo processes Undo Follow: the follower relationship is removed,
// but only when the undoing actor owns the original Follow.
func (in *Inbox) handleUndo(body []byte, username string) error {
	var undo struct {
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &undo); err != nil {
		return fmt.Errorf("failed to parse Undo activity: %w", err)
	}

	var obj struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(undo.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse Undo object: %w", err)
	}

	if obj.Type != "Follow" {
		log.Printf("Inbox: Ignoring Undo of %s", obj.Type)
		return nil
	}

	if obj.Actor != "" && obj.Actor != undo.Actor {
		return fmt.Errorf("unauthorized: actor %s cannot undo follow by %s", undo.Actor, obj.Actor)
	}

	err, localAccount := in.db.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	if err := in.db.DeleteFollower(localAccount.Id, undo.Actor); err != nil {
		return fmt.Errorf("failed to delete follower: %w", err)
	}
	log.Printf("Inbox: Removed follower %s", undo.Actor)
	return nil
}

// handleAccept marks an outbound Follow as accepted.
func (in *Inbox) handleAccept(body []byte) error {
	var accept struct {
		Actor  string `json:"actor"`
		Object any    `json:"object"`
	}
	if err := json.Unmarshal(body, &accept); err != nil {
		return fmt.Errorf("failed to parse Accept activity: %w", err)
	}

	followID := extractObjectURI(accept.Object)
	if followID == "" {
		return fmt.Errorf("could not extract Follow ID from Accept object")
	}

	if err := in.db.AcceptFollowByURI(followID); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}

	log.Printf("Inbox: Follow %s was accepted by %s", followID, accept.Actor)
	return nil
}

// handleUpdate refreshes the cached profile when an actor announces a
// Person update.
func (in *Inbox) handleUpdate(body []byte) error {
	var update struct {
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("failed to parse Update activity: %w", err)
	}

	var obj struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(update.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse Update object: %w", err)
	}

	switch obj.Type {
	case "Person", "Service", "Application":
		if obj.ID != "" && obj.ID != update.Actor {
			return fmt.Errorf("unauthorized: actor %s cannot update profile %s", update.Actor, obj.ID)
		}
		actor, err := in.resolver.Refresh(update.Actor)
		if err != nil {
			return fmt.Errorf("failed to refresh actor: %w", err)
		}
		log.Printf("Inbox: Updated profile for %s@%s", actor.Username, actor.Domain)
	default:
		log.Printf("Inbox: Unsupported Update object type: %s", obj.Type)
	}
	return nil
}

// handleDelete processes actor deletions: the cached profile is
// tombstoned and all traces of the actor (followers, logged activities)
// are removed across every local account. Deletes of unknown objects are
// acknowledged and ignored.
func (in *Inbox) handleDelete(body []byte) error {
	var del struct {
		Actor  string `json:"actor"`
		Object any    `json:"object"`
	}
	if err := json.Unmarshal(body, &del); err != nil {
		return fmt.Errorf("failed to parse Delete activity: %w", err)
	}

	objectURI := extractObjectURI(del.Object)
	if objectURI == "" {
		return fmt.Errorf("could not determine object URI from Delete activity")
	}

	if objectURI == del.Actor {
		log.Printf("Inbox: Actor %s deleted their account", del.Actor)

		if err := in.db.MarkRemoteAccountGone(del.Actor); err != nil {
			log.Printf("Inbox: Failed to tombstone %s: %v", del.Actor, err)
		}
		if err := in.db.DeleteFollowersByActorURI(del.Actor); err != nil {
			log.Printf("Inbox: Failed to remove followers for %s: %v", del.Actor, err)
		}
		if err := in.db.DeleteActivitiesByActorURI(del.Actor); err != nil {
			log.Printf("Inbox: Failed to remove activities for %s: %v", del.Actor, err)
		}
		log.Printf("Inbox: Removed actor %s and all associated data", del.Actor)
		return nil
	}

	// Object deletion (post, note, etc.)
	err, record := in.db.ReadActivityByObjectURI(objectURI)
	if err != nil || record == nil {
		log.Printf("Inbox: Activity with object %s not found for deletion, ignoring", objectURI)
		return nil
	}

	if record.ActorURI != del.Actor {
		return fmt.Errorf("unauthorized: actor %s cannot delete content created by %s", del.Actor, record.ActorURI)
	}

	if err := in.db.DeleteActivity(record.Id); err != nil {
		return fmt.Errorf("failed to delete activity: %w", err)
	}
	log.Printf("Inbox: Deleted activity containing object %s", objectURI)
	return nil
}

// extractObjectURI pulls the object identifier out of the two shapes an
// activity's object field comes in: a plain URI or an embedded object.
func extractObjectURI(object any) string {
	switch obj := object.(type) {
	case string:
		return obj
	case map[string]any:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}
