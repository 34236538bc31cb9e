package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
)

// Activity queries
const (
	sqlInsertActivity       = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, bookmarked, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityCols   = `SELECT id, activity_uri, activity_type, actor_uri, COALESCE(object_uri, ''), raw_json, processed, bookmarked, local, created_at FROM activities`
	sqlSelectActivityByURI  = sqlSelectActivityCols + ` WHERE activity_uri = ?`
	sqlSelectActivityByObj  = sqlSelectActivityCols + ` WHERE object_uri = ? ORDER BY created_at DESC LIMIT 1`
	sqlUpdateActivity       = `UPDATE activities SET processed = ?, object_uri = ?, raw_json = ? WHERE id = ?`
	sqlUpdateBookmark       = `UPDATE activities SET bookmarked = ? WHERE activity_uri = ?`
	sqlDeleteActivity       = `DELETE FROM activities WHERE id = ?`
	sqlDeleteActivitiesByActor = `DELETE FROM activities WHERE actor_uri = ? AND local = 0`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Bookmarked,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Id.String(),
		)
		return err
	})
}

func (db *DB) SetActivityBookmarked(activityURI string, bookmarked bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateBookmark, bookmarked, activityURI)
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.Activity) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

// ReadActivityByObjectURI finds the newest activity carrying the given
// object, used to locate a stored Create when an Update/Delete arrives.
func (db *DB) ReadActivityByObjectURI(uri string) (error, *domain.Activity) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByObj, uri))
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

func (db *DB) DeleteActivitiesByActor(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByActor, actorURI)
		return err
	})
}

func scanActivity(row *sql.Row) (error, *domain.Activity) {
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Bookmarked,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

// Pruning. Remote activities older than the cutoff are deleted unless a
// protection applies: the activity is bookmarked, its processing failed
// (kept for inspection), its object is liked or
// announced by the local actor, it mentions the local actor, or it is
// part of a conversation rooted at a local object. Mention and
// conversation membership are approximated by the raw payload carrying a
// local URI, which over-protects rather than under-protects.
const sqlPruneRemoteActivities = `DELETE FROM activities WHERE
	local = 0
	AND created_at < ?
	AND processed = 1
	AND bookmarked = 0
	AND activity_type NOT IN ('Move')
	AND object_uri NOT IN (SELECT COALESCE(object_uri, '') FROM notes)
	AND activity_uri NOT IN (
		SELECT a2.object_uri FROM activities a2
		WHERE a2.local = 1 AND a2.activity_type IN ('Like', 'Announce') AND a2.object_uri IS NOT NULL
	)
	AND object_uri NOT IN (
		SELECT a3.object_uri FROM activities a3
		WHERE a3.local = 1 AND a3.activity_type IN ('Like', 'Announce') AND a3.object_uri IS NOT NULL
	)
	AND raw_json NOT LIKE ?`

// PruneRemoteActivities deletes unprotected remote activities received
// before the cutoff. Returns the number of deleted rows. The predicate
// is purely timestamp-based, so an interrupted run can simply be
// re-executed.
func (db *DB) PruneRemoteActivities(cutoff time.Time, localURIPrefix string) (int64, error) {
	var deleted int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPruneRemoteActivities, cutoff, "%"+localURIPrefix+"%")
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
