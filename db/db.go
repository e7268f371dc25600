package db

import (
	"database/sql"
	"log"
	"time"

	"github.com/deemkeen/fedipress/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is the database handle. It is constructed once at startup with Open
// and passed explicitly to the components that need it.
type DB struct {
	db *sql.DB
}

// Open opens (and initializes) the sqlite database at the given path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err = sqlDB.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			log.Printf("Warning: Failed to enable WAL mode: %v", err)
		} else {
			log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
		}
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Optimize PRAGMAs for a concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}

	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Account queries
const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, public_key_pem, private_key_pem, is_instance, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns    = `id, username, display_name, summary, public_key_pem, private_key_pem, is_instance, created_at`
	sqlSelectAccountByUsername = `SELECT ` + sqlSelectAccountColumns + ` FROM accounts WHERE username = ?`
	sqlSelectAccountById       = `SELECT ` + sqlSelectAccountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectInstanceAccount   = `SELECT ` + sqlSelectAccountColumns + ` FROM accounts WHERE is_instance = 1 LIMIT 1`
	sqlUpdateAccountKeys       = `UPDATE accounts SET public_key_pem = ?, private_key_pem = ? WHERE id = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		isInstance := 0
		if acc.IsInstance {
			isInstance = 1
		}
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			isInstance,
			acc.CreatedAt,
		)
		return err
	})
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	var isInstance int
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.DisplayName,
		&acc.Summary,
		&acc.PublicKeyPem,
		&acc.PrivateKeyPem,
		&isInstance,
		&acc.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.IsInstance = isInstance == 1
	return nil, &acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

// ReadInstanceAccount returns the dedicated machine-to-machine actor used
// to sign resolver fetches.
func (db *DB) ReadInstanceAccount() (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectInstanceAccount))
}

func (db *DB) UpdateAccountKeys(id uuid.UUID, publicPem, privatePem string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountKeys, publicPem, privatePem, id.String())
		return err
	})
}

// Remote account queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, inbox_uri, shared_inbox_uri, public_key_pem, avatar_url, gone, last_fetched_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
						ON CONFLICT(actor_uri) DO UPDATE SET
							username = excluded.username,
							domain = excluded.domain,
							display_name = excluded.display_name,
							inbox_uri = excluded.inbox_uri,
							shared_inbox_uri = excluded.shared_inbox_uri,
							public_key_pem = excluded.public_key_pem,
							avatar_url = excluded.avatar_url,
							gone = 0,
							last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountColumns    = `id, username, domain, actor_uri, display_name, inbox_uri, COALESCE(shared_inbox_uri, ''), COALESCE(public_key_pem, ''), COALESCE(avatar_url, ''), gone, last_fetched_at`
	sqlSelectRemoteAccountByActorURI = `SELECT ` + sqlSelectRemoteAccountColumns + ` FROM remote_accounts WHERE actor_uri = ?`
	sqlMarkRemoteAccountGone         = `UPDATE remote_accounts SET gone = 1, last_fetched_at = ? WHERE actor_uri = ?`
	sqlDeleteRemoteAccountByActorURI = `DELETE FROM remote_accounts WHERE actor_uri = ?`
)

func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByActorURI, actorURI)
	var acc domain.RemoteAccount
	var idStr string
	var gone int
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&gone,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.Gone = gone == 1
	return nil, &acc
}

// MarkRemoteAccountGone records that the actor deterministically reports
// deletion (HTTP 404/410), which is distinct from a transient fetch failure.
func (db *DB) MarkRemoteAccountGone(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkRemoteAccountGone, time.Now(), actorURI)
		return err
	})
}

func (db *DB) DeleteRemoteAccountByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccountByActorURI, actorURI)
		return err
	})
}

// Follower queries
const (
	// An upsert refreshes the cached display/delivery fields but leaves the
	// error counter alone; only ResetFollowerErrors clears it.
	sqlUpsertFollower = `INSERT INTO followers(id, account_id, actor_uri, inbox_uri, shared_inbox_uri, display_name, username, avatar_url, error_count, last_error, created_at, updated_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
						ON CONFLICT(account_id, actor_uri) DO UPDATE SET
							inbox_uri = excluded.inbox_uri,
							shared_inbox_uri = excluded.shared_inbox_uri,
							display_name = excluded.display_name,
							username = excluded.username,
							avatar_url = excluded.avatar_url,
							updated_at = excluded.updated_at`
	sqlSelectFollowerColumns = `id, account_id, actor_uri, inbox_uri, COALESCE(shared_inbox_uri, ''), COALESCE(display_name, ''), COALESCE(username, ''), COALESCE(avatar_url, ''), error_count, COALESCE(last_error, ''), created_at, updated_at`
	sqlSelectFollower        = `SELECT ` + sqlSelectFollowerColumns + ` FROM followers WHERE account_id = ? AND actor_uri = ?`
	sqlSelectFollowersPage   = `SELECT ` + sqlSelectFollowerColumns + ` FROM followers WHERE account_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`
	sqlSelectOutdated        = `SELECT ` + sqlSelectFollowerColumns + ` FROM followers ORDER BY updated_at ASC LIMIT ?`
	sqlSelectFaulty          = `SELECT ` + sqlSelectFollowerColumns + ` FROM followers WHERE error_count > 0 ORDER BY error_count DESC LIMIT ?`
	sqlCountFollowers        = `SELECT COUNT(*) FROM followers WHERE account_id = ?`
	sqlDeleteFollower        = `DELETE FROM followers WHERE account_id = ? AND actor_uri = ?`
	sqlDeleteFollowersByURI  = `DELETE FROM followers WHERE actor_uri = ?`
	// Single-statement increment so concurrent background jobs cannot race
	// a read-modify-write cycle past the deletion threshold.
	sqlIncrementFollowerErrors = `UPDATE followers SET error_count = error_count + 1, last_error = ? WHERE id = ?`
	sqlResetFollowerErrors     = `UPDATE followers SET error_count = 0, last_error = '' WHERE id = ?`
	sqlSelectFollowerErrors    = `SELECT error_count FROM followers WHERE id = ?`
	sqlTouchFollower           = `UPDATE followers SET updated_at = ? WHERE id = ?`
)

func (db *DB) UpsertFollower(f *domain.Follower) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower,
			f.Id.String(),
			f.AccountId.String(),
			f.ActorURI,
			f.InboxURI,
			f.SharedInboxURI,
			f.DisplayName,
			f.Username,
			f.AvatarURL,
			f.CreatedAt,
			f.UpdatedAt,
		)
		return err
	})
}

func scanFollowerRows(rows *sql.Rows) (error, *[]domain.Follower) {
	defer rows.Close()
	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var idStr, accountIdStr string
		if err := rows.Scan(
			&idStr,
			&accountIdStr,
			&f.ActorURI,
			&f.InboxURI,
			&f.SharedInboxURI,
			&f.DisplayName,
			&f.Username,
			&f.AvatarURL,
			&f.ErrorCount,
			&f.LastError,
			&f.CreatedAt,
			&f.UpdatedAt,
		); err != nil {
			return err, &followers
		}
		f.Id, _ = uuid.Parse(idStr)
		f.AccountId, _ = uuid.Parse(accountIdStr)
		followers = append(followers, f)
	}
	if err := rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

func (db *DB) ReadFollower(accountId uuid.UUID, actorURI string) (error, *domain.Follower) {
	row := db.db.QueryRow(sqlSelectFollower, accountId.String(), actorURI)
	var f domain.Follower
	var idStr, accountIdStr string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&f.ActorURI,
		&f.InboxURI,
		&f.SharedInboxURI,
		&f.DisplayName,
		&f.Username,
		&f.AvatarURL,
		&f.ErrorCount,
		&f.LastError,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return err, nil
	}
	f.Id, _ = uuid.Parse(idStr)
	f.AccountId, _ = uuid.Parse(accountIdStr)
	return nil, &f
}

// ReadFollowersPage returns one page of followers for a local account,
// oldest relationship first. Callers that need the full set iterate pages
// so the hot path never loads every record at once.
func (db *DB) ReadFollowersPage(accountId uuid.UUID, limit, offset int) (error, *[]domain.Follower) {
	rows, err := db.db.Query(sqlSelectFollowersPage, accountId.String(), limit, offset)
	if err != nil {
		return err, nil
	}
	return scanFollowerRows(rows)
}

func (db *DB) CountFollowers(accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowers, accountId.String()).Scan(&n)
	return n, err
}

// ReadOutdatedFollowers returns up to limit followers with the oldest
// updated_at, for the hourly background refresh.
func (db *DB) ReadOutdatedFollowers(limit int) (error, *[]domain.Follower) {
	rows, err := db.db.Query(sqlSelectOutdated, limit)
	if err != nil {
		return err, nil
	}
	return scanFollowerRows(rows)
}

// ReadFaultyFollowers returns up to limit followers with a non-zero error
// counter, for the daily cleanup sweep.
func (db *DB) ReadFaultyFollowers(limit int) (error, *[]domain.Follower) {
	rows, err := db.db.Query(sqlSelectFaulty, limit)
	if err != nil {
		return err, nil
	}
	return scanFollowerRows(rows)
}

// DeleteFollower removes the relationship; deleting a non-existent one is
// not an error.
func (db *DB) DeleteFollower(accountId uuid.UUID, actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, accountId.String(), actorURI)
		return err
	})
}

// DeleteFollowersByActorURI removes the actor's follower records across all
// local accounts (tombstone cascade).
func (db *DB) DeleteFollowersByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowersByURI, actorURI)
		return err
	})
}

func (db *DB) IncrementFollowerErrors(id uuid.UUID, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementFollowerErrors, lastError, id.String())
		return err
	})
}

func (db *DB) ResetFollowerErrors(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlResetFollowerErrors, id.String())
		return err
	})
}

func (db *DB) ReadFollowerErrorCount(id uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlSelectFollowerErrors, id.String()).Scan(&n)
	return n, err
}

func (db *DB) TouchFollower(id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchFollower, at, id.String())
		return err
	})
}

// Follow queries (follows we sent)
const (
	sqlInsertFollow        = `INSERT INTO follows(id, account_id, target_actor_uri, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByURI   = `SELECT id, account_id, target_actor_uri, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByActor = `SELECT id, account_id, target_actor_uri, uri, accepted, created_at FROM follows WHERE account_id = ? AND target_actor_uri = ?`
	sqlSelectFollowsByAcc  = `SELECT id, account_id, target_actor_uri, uri, accepted, created_at FROM follows WHERE account_id = ? ORDER BY created_at ASC`
	sqlAcceptFollowByURI   = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlDeleteFollowByURI   = `DELETE FROM follows WHERE uri = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		accepted := 0
		if follow.Accepted {
			accepted = 1
		}
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetActorURI,
			follow.URI,
			accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var f domain.Follow
	var idStr, accountIdStr string
	var accepted int
	err := row.Scan(&idStr, &accountIdStr, &f.TargetActorURI, &f.URI, &accepted, &f.CreatedAt)
	if err != nil {
		return err, nil
	}
	f.Id, _ = uuid.Parse(idStr)
	f.AccountId, _ = uuid.Parse(accountIdStr)
	f.Accepted = accepted == 1
	return nil, &f
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri))
}

func (db *DB) ReadFollowByActor(accountId uuid.UUID, targetActorURI string) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByActor, accountId.String(), targetActorURI))
}

// ReadFollowsByAccountId returns all outbound follows of a local account.
func (db *DB) ReadFollowsByAccountId(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectFollowsByAcc, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var f domain.Follow
		var idStr, accountIdStr string
		var accepted int
		if err := rows.Scan(&idStr, &accountIdStr, &f.TargetActorURI, &f.URI, &accepted, &f.CreatedAt); err != nil {
			return err, &follows
		}
		f.Id, _ = uuid.Parse(idStr)
		f.AccountId, _ = uuid.Parse(accountIdStr)
		f.Accepted = accepted == 1
		follows = append(follows, f)
	}
	if err := rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

// Activity log queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity            = `UPDATE activities SET raw_json = ?, processed = ? WHERE id = ?`
	sqlSelectActivityByURI       = `SELECT id, activity_uri, activity_type, actor_uri, COALESCE(object_uri, ''), raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
	sqlSelectActivityByObjectURI = `SELECT id, activity_uri, activity_type, actor_uri, COALESCE(object_uri, ''), raw_json, processed, local, created_at FROM activities WHERE object_uri = ?`
	sqlDeleteActivity            = `DELETE FROM activities WHERE id = ?`
	sqlDeleteActivitiesByActor   = `DELETE FROM activities WHERE actor_uri = ?`
)

func (db *DB) CreateActivity(activity *domain.ActivityRecord) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		processed, local := 0, 0
		if activity.Processed {
			processed = 1
		}
		if activity.Local {
			local = 1
		}
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			processed,
			local,
			activity.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateActivity(activity *domain.ActivityRecord) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		processed := 0
		if activity.Processed {
			processed = 1
		}
		_, err := tx.Exec(sqlUpdateActivity, activity.RawJSON, processed, activity.Id.String())
		return err
	})
}

func scanActivity(row *sql.Row) (error, *domain.ActivityRecord) {
	var a domain.ActivityRecord
	var idStr string
	var processed, local int
	err := row.Scan(&idStr, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &processed, &local, &a.CreatedAt)
	if err != nil {
		return err, nil
	}
	a.Id, _ = uuid.Parse(idStr)
	a.Processed = processed == 1
	a.Local = local == 1
	return nil, &a
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.ActivityRecord) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) ReadActivityByObjectURI(objectURI string) (error, *domain.ActivityRecord) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByObjectURI, objectURI))
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

// DeleteActivitiesByActorURI removes all logged interactions from an actor
// (tombstone cascade).
func (db *DB) DeleteActivitiesByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByActor, actorURI)
		return err
	})
}

// Federated object queries
const (
	sqlUpsertFederatedObject = `INSERT INTO federated_objects(id, object_uri, kind, state, updated_at)
						VALUES (?, ?, ?, ?, ?)
						ON CONFLICT(object_uri) DO UPDATE SET
							kind = excluded.kind,
							state = excluded.state,
							updated_at = excluded.updated_at`
	sqlSelectFederatedObject = `SELECT id, object_uri, kind, state, updated_at FROM federated_objects WHERE object_uri = ?`
	sqlSetFederationState    = `UPDATE federated_objects SET state = ?, updated_at = ? WHERE object_uri = ?`
)

func (db *DB) UpsertFederatedObject(obj *domain.FederatedObject) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFederatedObject,
			obj.Id.String(),
			obj.ObjectURI,
			obj.Kind,
			obj.State,
			obj.UpdatedAt,
		)
		return err
	})
}

func (db *DB) ReadFederatedObjectByURI(objectURI string) (error, *domain.FederatedObject) {
	row := db.db.QueryRow(sqlSelectFederatedObject, objectURI)
	var obj domain.FederatedObject
	var idStr string
	err := row.Scan(&idStr, &obj.ObjectURI, &obj.Kind, &obj.State, &obj.UpdatedAt)
	if err != nil {
		return err, nil
	}
	obj.Id, _ = uuid.Parse(idStr)
	return nil, &obj
}

func (db *DB) SetFederationState(objectURI, state string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetFederationState, state, time.Now(), objectURI)
		return err
	})
}

// Delivery queue queries
const (
	sqlInsertDeliveryQueue = `INSERT INTO delivery_queue(id, account_id, inbox_uri, activity_json, attempts, next_retry_at, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, account_id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue
						WHERE next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.AccountId.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		item.AccountId, _ = uuid.Parse(accountIdStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// Fetch cache queries
const (
	sqlUpsertFetchCache = `INSERT INTO fetch_cache(url, body, fetched_at, expires_at) VALUES (?, ?, ?, ?)
						ON CONFLICT(url) DO UPDATE SET
							body = excluded.body,
							fetched_at = excluded.fetched_at,
							expires_at = excluded.expires_at`
	sqlSelectFetchCache = `SELECT body FROM fetch_cache WHERE url = ? AND expires_at > ?`
	sqlPruneFetchCache  = `DELETE FROM fetch_cache WHERE expires_at <= ?`
)

func (db *DB) WriteFetchCache(url string, body []byte, ttl time.Duration) error {
	now := time.Now()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFetchCache, url, body, now, now.Add(ttl))
		return err
	})
}

// ReadFetchCache returns the cached body for a URL, or sql.ErrNoRows when
// absent or expired.
func (db *DB) ReadFetchCache(url string) (error, []byte) {
	var body []byte
	err := db.db.QueryRow(sqlSelectFetchCache, url, time.Now()).Scan(&body)
	if err != nil {
		return err, nil
	}
	return nil, body
}

func (db *DB) PruneFetchCache() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlPruneFetchCache, time.Now())
		return err
	})
}
