package activitypub

import (
	"context"
	"log"
	"time"
)

// maxDeliveryAttempts is how often a queued delivery is retried before
// being dropped.
const maxDeliveryAttempts = 8

// deliveryPollInterval is how often the worker polls the queue.
const deliveryPollInterval = 30 * time.Second

// deliveryBatchSize bounds how many pending deliveries one pass handles.
const deliveryBatchSize = 50

// DeliveryWorker drains the durable delivery queue: activities that were
// queued instead of sent inline, plus anything a caller wants retried with
// backoff.
type DeliveryWorker struct {
	db     Database
	client *Client
	keys   *KeyStore
}

func NewDeliveryWorker(database Database, client *Client, keys *KeyStore) *DeliveryWorker {
	return &DeliveryWorker{db: database, client: client, keys: keys}
}

// Start polls the queue until the context is cancelled. Run it in its own
// goroutine.
func (w *DeliveryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(deliveryPollInterval)
	defer ticker.Stop()

	log.Printf("DeliveryWorker: Started (polling every %v)", deliveryPollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("DeliveryWorker: Stopped")
			return
		case <-ticker.C:
			w.ProcessPending()
		}
	}
}

// ProcessPending delivers everything due in the queue. Failed deliveries
// are rescheduled with exponential backoff and dropped after the attempt
// limit.
func (w *DeliveryWorker) ProcessPending() {
	err, items := w.db.ReadPendingDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	for _, item := range *items {
		keyID, key, err := w.keys.AccountSigner(item.AccountId)
		if err != nil {
			log.Printf("DeliveryWorker: No signing key for %s, dropping delivery: %v", item.AccountId, err)
			w.db.DeleteDelivery(item.Id)
			continue
		}

		err = w.client.Post(item.InboxURI, []byte(item.ActivityJSON), keyID, key)
		if err == nil {
			w.db.DeleteDelivery(item.Id)
			continue
		}

		// A tombstoned inbox will never succeed, drop immediately
		if IsTombstone(err) {
			log.Printf("DeliveryWorker: Inbox %s is gone, dropping delivery", item.InboxURI)
			w.db.DeleteDelivery(item.Id)
			continue
		}

		attempts := item.Attempts + 1
		if attempts >= maxDeliveryAttempts {
			log.Printf("DeliveryWorker: Delivery to %s failed %d times, dropping: %v", item.InboxURI, attempts, err)
			w.db.DeleteDelivery(item.Id)
			continue
		}

		backoff := time.Duration(1<<uint(attempts)) * time.Minute
		log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retrying in %v: %v", item.InboxURI, attempts, backoff, err)
		w.db.UpdateDeliveryAttempt(item.Id, attempts, time.Now().Add(backoff))
	}
}
