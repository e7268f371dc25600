package activitypub

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
)

// Database defines the database operations required by the ActivityPub package.
// This interface allows for dependency injection and testing with mock implementations.
type Database interface {
	// Account operations
	ReadAccByUsername(username string) (error, *domain.Account)
	ReadAccById(id uuid.UUID) (error, *domain.Account)
	ReadInstanceAccount() (error, *domain.Account)
	UpdateAccountKeys(id uuid.UUID, publicPem, privatePem string) error

	// Remote account operations
	UpsertRemoteAccount(acc *domain.RemoteAccount) error
	ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount)
	MarkRemoteAccountGone(actorURI string) error
	DeleteRemoteAccountByActorURI(actorURI string) error

	// Follower operations
	UpsertFollower(f *domain.Follower) error
	ReadFollower(accountId uuid.UUID, actorURI string) (error, *domain.Follower)
	ReadFollowersPage(accountId uuid.UUID, limit, offset int) (error, *[]domain.Follower)
	CountFollowers(accountId uuid.UUID) (int, error)
	ReadOutdatedFollowers(limit int) (error, *[]domain.Follower)
	ReadFaultyFollowers(limit int) (error, *[]domain.Follower)
	DeleteFollower(accountId uuid.UUID, actorURI string) error
	DeleteFollowersByActorURI(actorURI string) error
	IncrementFollowerErrors(id uuid.UUID, lastError string) error
	ResetFollowerErrors(id uuid.UUID) error
	ReadFollowerErrorCount(id uuid.UUID) (int, error)
	TouchFollower(id uuid.UUID, at time.Time) error

	// Follow operations (follows we sent)
	CreateFollow(follow *domain.Follow) error
	ReadFollowByURI(uri string) (error, *domain.Follow)
	ReadFollowByActor(accountId uuid.UUID, targetActorURI string) (error, *domain.Follow)
	ReadFollowsByAccountId(accountId uuid.UUID) (error, *[]domain.Follow)
	AcceptFollowByURI(uri string) error
	DeleteFollowByURI(uri string) error

	// Activity log operations
	CreateActivity(activity *domain.ActivityRecord) error
	UpdateActivity(activity *domain.ActivityRecord) error
	ReadActivityByURI(uri string) (error, *domain.ActivityRecord)
	ReadActivityByObjectURI(objectURI string) (error, *domain.ActivityRecord)
	DeleteActivity(id uuid.UUID) error
	DeleteActivitiesByActorURI(actorURI string) error

	// Federation state operations
	UpsertFederatedObject(obj *domain.FederatedObject) error
	ReadFederatedObjectByURI(objectURI string) (error, *domain.FederatedObject)
	SetFederationState(objectURI, state string) error

	// Delivery queue operations
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(id uuid.UUID) error

	// Fetch cache operations
	WriteFetchCache(url string, body []byte, ttl time.Duration) error
	ReadFetchCache(url string) (error, []byte)
	PruneFetchCache() error
}

// HTTPClient defines the HTTP client operations required by the ActivityPub package.
// This interface allows for dependency injection and testing with mock implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchTimeout bounds every remote fetch and delivery, matching the
// generous limits federated servers give each other.
const FetchTimeout = 100 * time.Second

// MaxRedirects limits how many redirects a remote fetch will follow.
const MaxRedirects = 3

// DefaultHTTPClient is the default HTTP client used in production
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates a new default HTTP client with the federation
// timeout and redirect limit applied.
func NewDefaultHTTPClient() *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{
			Timeout: FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", MaxRedirects)
				}
				return nil
			},
		},
	}
}

// Do executes the HTTP request
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}
