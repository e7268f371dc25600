package db

import (
	"database/sql"
	"log"
)

// Schema for the federation core tables
const (
	// Local signing identities
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		public_key_pem TEXT,
		private_key_pem TEXT,
		is_instance INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username);
		CREATE INDEX IF NOT EXISTS idx_accounts_is_instance ON accounts(is_instance);
	`

	// Remote actor profile cache
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		public_key_pem TEXT,
		avatar_url TEXT,
		gone INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// Followers of local accounts, with cached delivery/display fields
	// and consecutive-error bookkeeping
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		display_name TEXT,
		username TEXT,
		avatar_url TEXT,
		error_count INTEGER DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, actor_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_account_id ON followers(account_id);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_uri ON followers(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_followers_updated_at ON followers(updated_at);
		CREATE INDEX IF NOT EXISTS idx_followers_error_count ON followers(error_count);
	`

	// Follow activities we sent to remote actors
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_actor_uri TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Activity log (for inbound deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
	`

	// Federation state of host-application objects
	sqlCreateFederatedObjectsTable = `CREATE TABLE IF NOT EXISTS federated_objects (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFederatedObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_federated_objects_object_uri ON federated_objects(object_uri);
	`

	// Durable outbound delivery queue
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	// Cache for signed GET responses (remote objects, webfinger documents)
	sqlCreateFetchCacheTable = `CREATE TABLE IF NOT EXISTS fetch_cache (
		url TEXT NOT NULL PRIMARY KEY,
		body BLOB NOT NULL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	)`
)

// RunMigrations creates all federation tables and indices.
func (db *DB) RunMigrations() error {
	log.Println("Running federation migrations...")

	tables := []struct {
		name    string
		create  string
		indices string
	}{
		{"accounts", sqlCreateAccountsTable, sqlCreateAccountsIndices},
		{"remote_accounts", sqlCreateRemoteAccountsTable, sqlCreateRemoteAccountsIndices},
		{"followers", sqlCreateFollowersTable, sqlCreateFollowersIndices},
		{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
		{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
		{"federated_objects", sqlCreateFederatedObjectsTable, sqlCreateFederatedObjectsIndices},
		{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
		{"fetch_cache", sqlCreateFetchCacheTable, ""},
	}

	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.Exec(t.create); err != nil {
				return err
			}
			if t.indices == "" {
				continue
			}
			if _, err := tx.Exec(t.indices); err != nil {
				return err
			}
		}
		return nil
	})
}
