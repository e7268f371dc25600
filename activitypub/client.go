package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/fedipress/util"
)

// maxBodySize caps remote response and inbox bodies (1MiB) to prevent DoS
const maxBodySize = 1 * 1024 * 1024

const contentTypeActivityJSON = "application/activity+json"

// contentTypeJRD is what webfinger endpoints serve (RFC 7033).
const contentTypeJRD = "application/jrd+json"

// Client performs signed HTTP requests against remote federation servers.
// Every request is signed, including GETs, because a growing share of the
// fediverse rejects unsigned fetches (authorized fetch mode).
type Client struct {
	http      HTTPClient
	db        Database
	userAgent string
}

// NewClient creates a federation HTTP client. The homeURL ends up in the
// User-Agent so remote admins can tell who is knocking.
func NewClient(httpClient HTTPClient, database Database, homeURL string) *Client {
	return &Client{
		http:      httpClient,
		db:        database,
		userAgent: fmt.Sprintf("%s (+%s)", util.GetNameAndVersion(), homeURL),
	}
}

// Post delivers a JSON body to a remote inbox with a signed POST. A
// response status >= 400 is returned as a RemoteServerError so callers can
// distinguish tombstones from transient failures.
func (c *Client) Post(url string, body []byte, keyID string, key *rsa.PrivateKey) error {
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeActivityJSON)
	req.Header.Set("Accept", contentTypeActivityJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", ComputeDigest(body))

	if err := SignRequest(req, key, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	log.Printf("Client: POST %s -> %d", url, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return &RemoteServerError{Status: resp.StatusCode, URL: url}
	}
	return nil
}

// Get fetches a remote activity document with a signed GET. When cacheFor
// is positive, a fresh cached copy is served without network traffic and a
// successful fetch is written back to the cache. Error responses are never
// cached.
func (c *Client) Get(url string, keyID string, key *rsa.PrivateKey, cacheFor time.Duration) ([]byte, error) {
	return c.GetWithAccept(url, contentTypeActivityJSON, keyID, key, cacheFor)
}

// GetWithAccept is Get with an explicit Accept header, for endpoints that
// serve something other than activity documents (webfinger serves jrd+json).
func (c *Client) GetWithAccept(url, accept string, keyID string, key *rsa.PrivateKey, cacheFor time.Duration) ([]byte, error) {
	if cacheFor > 0 {
		if err, body := c.db.ReadFetchCache(url); err == nil {
			return body, nil
		}
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, key, keyID); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &RemoteServerError{Status: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) == maxBodySize {
		return nil, fmt.Errorf("response from %s too large", url)
	}

	if cacheFor > 0 {
		if err := c.db.WriteFetchCache(url, body, cacheFor); err != nil {
			log.Printf("Client: Failed to cache %s: %v", url, err)
		}
	}
	return body, nil
}
