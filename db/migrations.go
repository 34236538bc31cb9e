package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	// Remote actor cache table. Exactly one row per actor URI; stale
	// rows are refreshed in place, never duplicated.
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		blocked INTEGER DEFAULT 0,
		moved_to_uri TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// Follow relationships table
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Activities log table, unique by activity URI for deduplication
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		bookmarked INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Likes/favorites table
	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_note_id ON likes(note_id);
		CREATE INDEX IF NOT EXISTS idx_likes_uri ON likes(uri);
	`

	// Announces (boosts) table. Mirrors likes so Undo can tell whether
	// a boost was actually recorded before touching the counter.
	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateAnnouncesIndices = `
		CREATE INDEX IF NOT EXISTS idx_announces_note_id ON announces(note_id);
		CREATE INDEX IF NOT EXISTS idx_announces_uri ON announces(uri);
	`

	// Durable delivery task table. One row per (activity, inbox) pair;
	// state survives restarts so pending deliveries are never lost.
	sqlCreateDeliveryTasksTable = `CREATE TABLE IF NOT EXISTS delivery_tasks (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		claimed_at TIMESTAMP,
		last_status INTEGER DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_uri, inbox_uri)
	)`

	sqlCreateDeliveryTasksIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_tasks_status ON delivery_tasks(status, next_attempt_at);
	`

	// Notifications table
	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		activity_uri TEXT,
		actor_uri TEXT,
		read INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);
	`

	// Content-addressed blob metadata table
	sqlCreateBlobsTable = `CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT NOT NULL PRIMARY KEY,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		ref_count INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations executes all federation table migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"follows", sqlCreateFollowsTable},
			{"activities", sqlCreateActivitiesTable},
			{"likes", sqlCreateLikesTable},
			{"announces", sqlCreateAnnouncesTable},
			{"delivery_tasks", sqlCreateDeliveryTasksTable},
			{"notifications", sqlCreateNotificationsTable},
			{"blobs", sqlCreateBlobsTable},
		}
		for _, table := range tables {
			if _, err := tx.Exec(table.ddl); err != nil {
				log.Errorf("Error creating table %s: %v", table.name, err)
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteAccountsIndices,
			sqlCreateFollowsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateLikesIndices,
			sqlCreateAnnouncesIndices,
			sqlCreateDeliveryTasksIndices,
			sqlCreateNotificationsIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Warnf("Failed to create indices: %v", err)
			}
		}

		return nil
	})
}
