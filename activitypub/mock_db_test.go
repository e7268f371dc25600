package activitypub

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
)

// MockDatabase is an in-memory implementation of the Database interface
// for testing.
type MockDatabase struct {
	mu sync.Mutex

	accounts       map[uuid.UUID]*domain.Account
	remoteAccounts map[string]*domain.RemoteAccount
	followers      map[string]*domain.Follower // key: accountId|actorURI
	follows        map[string]*domain.Follow   // key: uri
	activities     map[string]*domain.ActivityRecord
	federated      map[string]*domain.FederatedObject
	deliveries     map[uuid.UUID]*domain.DeliveryQueueItem
	fetchCache     map[string][]byte
}

func NewMockDatabase() *MockDatabase {
	return &MockDatabase{
		accounts:       make(map[uuid.UUID]*domain.Account),
		remoteAccounts: make(map[string]*domain.RemoteAccount),
		followers:      make(map[string]*domain.Follower),
		follows:        make(map[string]*domain.Follow),
		activities:     make(map[string]*domain.ActivityRecord),
		federated:      make(map[string]*domain.FederatedObject),
		deliveries:     make(map[uuid.UUID]*domain.DeliveryQueueItem),
		fetchCache:     make(map[string][]byte),
	}
}

func followerKey(accountId uuid.UUID, actorURI string) string {
	return accountId.String() + "|" + actorURI
}

func (m *MockDatabase) AddAccount(acc *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.Id] = acc
}

func (m *MockDatabase) ReadAccByUsername(username string) (error, *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Username == username {
			copied := *acc
			return nil, &copied
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[id]; ok {
		copied := *acc
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadInstanceAccount() (error, *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.IsInstance {
			copied := *acc
			return nil, &copied
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) UpdateAccountKeys(id uuid.UUID, publicPem, privatePem string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return sql.ErrNoRows
	}
	acc.PublicKeyPem = publicPem
	acc.PrivateKeyPem = privatePem
	return nil
}

func (m *MockDatabase) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *acc
	m.remoteAccounts[acc.ActorURI] = &copied
	return nil
}

func (m *MockDatabase) ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.remoteAccounts[actorURI]; ok {
		copied := *acc
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) MarkRemoteAccountGone(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.remoteAccounts[actorURI]; ok {
		acc.Gone = true
	}
	return nil
}

func (m *MockDatabase) DeleteRemoteAccountByActorURI(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remoteAccounts, actorURI)
	return nil
}

func (m *MockDatabase) UpsertFollower(f *domain.Follower) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followerKey(f.AccountId, f.ActorURI)
	if existing, ok := m.followers[key]; ok {
		// Upsert keeps the error counter
		existing.InboxURI = f.InboxURI
		existing.SharedInboxURI = f.SharedInboxURI
		existing.DisplayName = f.DisplayName
		existing.Username = f.Username
		existing.AvatarURL = f.AvatarURL
		existing.UpdatedAt = f.UpdatedAt
		return nil
	}
	copied := *f
	m.followers[key] = &copied
	return nil
}

func (m *MockDatabase) ReadFollower(accountId uuid.UUID, actorURI string) (error, *domain.Follower) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.followers[followerKey(accountId, actorURI)]; ok {
		copied := *f
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) sortedFollowers() []*domain.Follower {
	all := make([]*domain.Follower, 0, len(m.followers))
	for _, f := range m.followers {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all
}

func (m *MockDatabase) ReadFollowersPage(accountId uuid.UUID, limit, offset int) (error, *[]domain.Follower) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matching []domain.Follower
	for _, f := range m.sortedFollowers() {
		if f.AccountId == accountId {
			matching = append(matching, *f)
		}
	}
	if offset >= len(matching) {
		empty := []domain.Follower{}
		return nil, &empty
	}
	end := offset + limit
	if end > len(matching) {
		end = len(matching)
	}
	page := matching[offset:end]
	return nil, &page
}

func (m *MockDatabase) CountFollowers(accountId uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.followers {
		if f.AccountId == accountId {
			n++
		}
	}
	return n, nil
}

func (m *MockDatabase) ReadOutdatedFollowers(limit int) (error, *[]domain.Follower) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]domain.Follower, 0, len(m.followers))
	for _, f := range m.followers {
		all = append(all, *f)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.Before(all[j].UpdatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return nil, &all
}

func (m *MockDatabase) ReadFaultyFollowers(limit int) (error, *[]domain.Follower) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var faulty []domain.Follower
	for _, f := range m.followers {
		if f.ErrorCount > 0 {
			faulty = append(faulty, *f)
		}
	}
	sort.Slice(faulty, func(i, j int) bool { return faulty[i].ErrorCount > faulty[j].ErrorCount })
	if len(faulty) > limit {
		faulty = faulty[:limit]
	}
	return nil, &faulty
}

func (m *MockDatabase) DeleteFollower(accountId uuid.UUID, actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.followers, followerKey(accountId, actorURI))
	return nil
}

func (m *MockDatabase) DeleteFollowersByActorURI(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, f := range m.followers {
		if f.ActorURI == actorURI {
			delete(m.followers, key)
		}
	}
	return nil
}

func (m *MockDatabase) findFollowerById(id uuid.UUID) *domain.Follower {
	for _, f := range m.followers {
		if f.Id == id {
			return f
		}
	}
	return nil
}

func (m *MockDatabase) IncrementFollowerErrors(id uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.findFollowerById(id)
	if f == nil {
		return sql.ErrNoRows
	}
	f.ErrorCount++
	f.LastError = lastError
	return nil
}

func (m *MockDatabase) ResetFollowerErrors(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.findFollowerById(id)
	if f == nil {
		return sql.ErrNoRows
	}
	f.ErrorCount = 0
	f.LastError = ""
	return nil
}

func (m *MockDatabase) ReadFollowerErrorCount(id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.findFollowerById(id)
	if f == nil {
		return 0, sql.ErrNoRows
	}
	return f.ErrorCount, nil
}

func (m *MockDatabase) TouchFollower(id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.findFollowerById(id); f != nil {
		f.UpdatedAt = at
	}
	return nil
}

func (m *MockDatabase) CreateFollow(follow *domain.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.follows[follow.URI]; ok {
		return fmt.Errorf("UNIQUE constraint failed: follows.uri")
	}
	copied := *follow
	m.follows[follow.URI] = &copied
	return nil
}

func (m *MockDatabase) ReadFollowByURI(uri string) (error, *domain.Follow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.follows[uri]; ok {
		copied := *f
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadFollowByActor(accountId uuid.UUID, targetActorURI string) (error, *domain.Follow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.follows {
		if f.AccountId == accountId && f.TargetActorURI == targetActorURI {
			copied := *f
			return nil, &copied
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadFollowsByAccountId(accountId uuid.UUID) (error, *[]domain.Follow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Follow
	for _, f := range m.follows {
		if f.AccountId == accountId {
			result = append(result, *f)
		}
	}
	return nil, &result
}

func (m *MockDatabase) AcceptFollowByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.follows[uri]; ok {
		f.Accepted = true
	}
	return nil
}

func (m *MockDatabase) DeleteFollowByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, uri)
	return nil
}

func (m *MockDatabase) CreateActivity(activity *domain.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[activity.ActivityURI]; ok {
		return fmt.Errorf("UNIQUE constraint failed: activities.activity_uri")
	}
	copied := *activity
	m.activities[activity.ActivityURI] = &copied
	return nil
}

func (m *MockDatabase) UpdateActivity(activity *domain.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.activities[activity.ActivityURI]; ok {
		existing.RawJSON = activity.RawJSON
		existing.Processed = activity.Processed
	}
	return nil
}

func (m *MockDatabase) ReadActivityByURI(uri string) (error, *domain.ActivityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.activities[uri]; ok {
		copied := *a
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) ReadActivityByObjectURI(objectURI string) (error, *domain.ActivityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.ObjectURI == objectURI {
			copied := *a
			return nil, &copied
		}
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) DeleteActivity(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri, a := range m.activities {
		if a.Id == id {
			delete(m.activities, uri)
		}
	}
	return nil
}

func (m *MockDatabase) DeleteActivitiesByActorURI(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri, a := range m.activities {
		if a.ActorURI == actorURI {
			delete(m.activities, uri)
		}
	}
	return nil
}

func (m *MockDatabase) UpsertFederatedObject(obj *domain.FederatedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *obj
	m.federated[obj.ObjectURI] = &copied
	return nil
}

func (m *MockDatabase) ReadFederatedObjectByURI(objectURI string) (error, *domain.FederatedObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.federated[objectURI]; ok {
		copied := *obj
		return nil, &copied
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) SetFederationState(objectURI, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.federated[objectURI]; ok {
		obj.State = state
		obj.UpdatedAt = time.Now()
		return nil
	}
	m.federated[objectURI] = &domain.FederatedObject{
		Id:        uuid.New(),
		ObjectURI: objectURI,
		State:     state,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MockDatabase) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *item
	m.deliveries[item.Id] = &copied
	return nil
}

func (m *MockDatabase) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []domain.DeliveryQueueItem
	now := time.Now()
	for _, item := range m.deliveries {
		if !item.NextRetryAt.After(now) {
			pending = append(pending, *item)
		}
		if len(pending) == limit {
			break
		}
	}
	return nil, &pending
}

func (m *MockDatabase) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.deliveries[id]; ok {
		item.Attempts = attempts
		item.NextRetryAt = nextRetry
	}
	return nil
}

func (m *MockDatabase) DeleteDelivery(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deliveries, id)
	return nil
}

func (m *MockDatabase) WriteFetchCache(url string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCache[url] = body
	return nil
}

func (m *MockDatabase) ReadFetchCache(url string) (error, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if body, ok := m.fetchCache[url]; ok {
		return nil, body
	}
	return sql.ErrNoRows, nil
}

func (m *MockDatabase) PruneFetchCache() error {
	return nil
}
