package activitypub

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/deemkeen/fedipress/util"
	"github.com/google/uuid"
)

// MockHTTPClient serves canned responses per URL and records every request
// it sees.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses map[string]mockResponse
	requests  []*http.Request
	bodies    [][]byte
}

type mockResponse struct {
	status int
	body   []byte
	err    error
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{responses: make(map[string]mockResponse)}
}

func (m *MockHTTPClient) Respond(url string, status int, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[url] = mockResponse{status: status, body: body}
}

func (m *MockHTTPClient) Fail(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[url] = mockResponse{err: err}
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	resp, ok := m.responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     make(http.Header),
		}, nil
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
		Header:     make(http.Header),
	}, nil
}

// Requests returns a snapshot of the recorded requests.
func (m *MockHTTPClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// RequestsTo returns how many requests hit the given URL.
func (m *MockHTTPClient) RequestsTo(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.URL.String() == url {
			n++
		}
	}
	return n
}

// BodyOfRequest returns the body recorded for the i-th request.
func (m *MockHTTPClient) BodyOfRequest(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.bodies) {
		return nil
	}
	return m.bodies[i]
}

// testEnv bundles the wired fixtures most federation tests need.
type testEnv struct {
	db       *MockDatabase
	http     *MockHTTPClient
	client   *Client
	keys     *KeyStore
	resolver *Resolver
	instance *domain.Account
	account  *domain.Account
}

// newTestEnv builds a mock-backed environment with an instance account and
// one regular account, both with persisted keypairs.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()

	instancePair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("failed to generate instance keypair: %v", err)
	}
	instance := &domain.Account{
		Id:            uuid.New(),
		Username:      "local.example",
		IsInstance:    true,
		PublicKeyPem:  instancePair.Public,
		PrivateKeyPem: instancePair.Private,
		CreatedAt:     time.Now(),
	}
	mockDB.AddAccount(instance)

	userPair, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatalf("failed to generate user keypair: %v", err)
	}
	account := &domain.Account{
		Id:            uuid.New(),
		Username:      "bob",
		DisplayName:   "Bob",
		PublicKeyPem:  userPair.Public,
		PrivateKeyPem: userPair.Private,
		CreatedAt:     time.Now(),
	}
	mockDB.AddAccount(account)

	keys := NewKeyStore(mockDB, "local.example")
	client := NewClient(mockHTTP, mockDB, "https://local.example")
	resolver := NewResolver(mockDB, client, keys)

	return &testEnv{
		db:       mockDB,
		http:     mockHTTP,
		client:   client,
		keys:     keys,
		resolver: resolver,
		instance: instance,
		account:  account,
	}
}

// actorJSON renders a minimal remote actor document.
func actorJSON(actorURI, username, inbox, sharedInbox, publicKeyPem string) []byte {
	doc := fmt.Sprintf(`{
		"id": %q,
		"type": "Person",
		"preferredUsername": %q,
		"name": %q,
		"inbox": %q,
		"endpoints": {"sharedInbox": %q},
		"publicKey": {"id": %q, "owner": %q, "publicKeyPem": %q}
	}`, actorURI, username, username, inbox, sharedInbox, actorURI+"#main-key", actorURI, publicKeyPem)
	return []byte(doc)
}
