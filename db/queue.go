package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
)

// Delivery task queries. The claim query flips pending rows to
// in_flight inside a transaction so concurrent workers never pick up
// the same task twice.
const (
	sqlInsertDeliveryTask = `INSERT INTO delivery_tasks(id, activity_uri, inbox_uri, activity_json, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT(activity_uri, inbox_uri) DO NOTHING`
	sqlSelectDeliveryTaskCols = `SELECT id, activity_uri, inbox_uri, activity_json, status, attempts, next_attempt_at, claimed_at, last_status, COALESCE(last_error, ''), created_at FROM delivery_tasks`
	sqlSelectClaimable        = sqlSelectDeliveryTaskCols + ` WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`
	sqlMarkInFlight           = `UPDATE delivery_tasks SET status = 'in_flight', claimed_at = ? WHERE id = ? AND status = 'pending'`
	sqlMarkDelivered          = `UPDATE delivery_tasks SET status = 'delivered', claimed_at = NULL, last_status = ? WHERE id = ?`
	sqlMarkDead               = `UPDATE delivery_tasks SET status = 'dead', claimed_at = NULL, last_status = ?, last_error = ? WHERE id = ?`
	sqlMarkRetry              = `UPDATE delivery_tasks SET status = 'pending', claimed_at = NULL, attempts = ?, next_attempt_at = ?, last_status = ?, last_error = ? WHERE id = ?`
	sqlReclaimStuck           = `UPDATE delivery_tasks SET status = 'pending', claimed_at = NULL WHERE status = 'in_flight' AND claimed_at < ?`
	sqlSelectDeadTasks        = sqlSelectDeliveryTaskCols + ` WHERE status = 'dead' ORDER BY created_at DESC LIMIT ?`
	sqlResubmitTask           = `UPDATE delivery_tasks SET status = 'pending', attempts = 0, next_attempt_at = ?, last_error = NULL WHERE id = ? AND status = 'dead'`
	sqlPruneDeliveredTasks    = `DELETE FROM delivery_tasks WHERE status = 'delivered' AND created_at < ?`
	sqlCountTasksByStatus     = `SELECT COUNT(*) FROM delivery_tasks WHERE status = ?`
)

// EnqueueDeliveryTask records a delivery obligation. Re-enqueueing an
// existing (activity, inbox) pair is a no-op, which makes submission
// idempotent under retries.
func (db *DB) EnqueueDeliveryTask(task *domain.DeliveryTask) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryTask,
			task.Id.String(),
			task.ActivityURI,
			task.InboxURI,
			task.ActivityJSON,
			task.NextAttemptAt,
			task.CreatedAt,
		)
		return err
	})
}

// ClaimDeliveryTasks atomically moves up to limit due pending tasks to
// in_flight and returns them.
func (db *DB) ClaimDeliveryTasks(limit int) (error, *[]domain.DeliveryTask) {
	var tasks []domain.DeliveryTask
	now := time.Now()
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(sqlSelectClaimable, now, limit)
		if err != nil {
			return err
		}
		claimed, err := scanDeliveryTasks(rows)
		if err != nil {
			return err
		}
		for i := range claimed {
			if _, err := tx.Exec(sqlMarkInFlight, now, claimed[i].Id.String()); err != nil {
				return err
			}
			claimed[i].Status = domain.DeliveryInFlight
			claimed[i].ClaimedAt = &now
		}
		tasks = claimed
		return nil
	})
	if err != nil {
		return err, nil
	}
	return nil, &tasks
}

// ReclaimStuckTasks returns in_flight tasks claimed before the deadline
// to pending. Covers workers that crashed before recording an outcome.
func (db *DB) ReclaimStuckTasks(claimedBefore time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlReclaimStuck, claimedBefore)
		return err
	})
}

func (db *DB) MarkTaskDelivered(id uuid.UUID, httpStatus int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDelivered, httpStatus, id.String())
		return err
	})
}

func (db *DB) MarkTaskDead(id uuid.UUID, httpStatus int, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDead, httpStatus, lastError, id.String())
		return err
	})
}

func (db *DB) MarkTaskRetry(id uuid.UUID, attempts int, nextAttemptAt time.Time, httpStatus int, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkRetry, attempts, nextAttemptAt, httpStatus, lastError, id.String())
		return err
	})
}

// ReadDeadTasks surfaces dead-letter tasks for operator inspection.
// The server never resurrects dead tasks on its own; this and
// ResubmitDeadTask exist for external admin tooling driven against the
// database.
func (db *DB) ReadDeadTasks(limit int) (error, *[]domain.DeliveryTask) {
	rows, err := db.db.Query(sqlSelectDeadTasks, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()
	tasks, err := scanDeliveryTasks(rows)
	if err != nil {
		return err, &tasks
	}
	return nil, &tasks
}

// ResubmitDeadTask is the operator recovery path: a dead task goes back
// to pending with a fresh attempt budget.
func (db *DB) ResubmitDeadTask(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlResubmitTask, time.Now(), id.String())
		return err
	})
}

// PruneDeliveredTasks removes delivered queue rows older than the
// cutoff and returns how many were deleted.
func (db *DB) PruneDeliveredTasks(cutoff time.Time) (int64, error) {
	var deleted int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPruneDeliveredTasks, cutoff)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

func (db *DB) CountTasksByStatus(status string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountTasksByStatus, status).Scan(&count)
	return err, count
}

func scanDeliveryTasks(rows *sql.Rows) ([]domain.DeliveryTask, error) {
	defer rows.Close()
	var tasks []domain.DeliveryTask
	for rows.Next() {
		var task domain.DeliveryTask
		var idStr string
		var claimedAt sql.NullTime
		if err := rows.Scan(&idStr, &task.ActivityURI, &task.InboxURI, &task.ActivityJSON, &task.Status, &task.Attempts, &task.NextAttemptAt, &claimedAt, &task.LastStatus, &task.LastError, &task.CreatedAt); err != nil {
			return tasks, err
		}
		task.Id, _ = uuid.Parse(idStr)
		if claimedAt.Valid {
			t := claimedAt.Time
			task.ClaimedAt = &t
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Notification queries
const (
	sqlInsertNotification      = `INSERT INTO notifications(id, kind, activity_uri, actor_uri, read, created_at) VALUES (?, ?, ?, ?, 0, ?)`
	sqlSelectUnreadNotifs      = `SELECT id, kind, COALESCE(activity_uri, ''), COALESCE(actor_uri, ''), read, created_at FROM notifications WHERE read = 0 ORDER BY created_at DESC LIMIT ?`
	sqlMarkNotificationRead    = `UPDATE notifications SET read = 1 WHERE id = ?`
	sqlCountNotificationsByKind = `SELECT COUNT(*) FROM notifications WHERE kind = ?`
)

func (db *DB) CreateNotification(notif *domain.Notification) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNotification,
			notif.Id.String(),
			notif.Kind,
			notif.ActivityURI,
			notif.ActorURI,
			notif.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadUnreadNotifications(limit int) (error, *[]domain.Notification) {
	rows, err := db.db.Query(sqlSelectUnreadNotifs, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var notifs []domain.Notification
	for rows.Next() {
		var notif domain.Notification
		var idStr string
		if err := rows.Scan(&idStr, &notif.Kind, &notif.ActivityURI, &notif.ActorURI, &notif.Read, &notif.CreatedAt); err != nil {
			return err, &notifs
		}
		notif.Id, _ = uuid.Parse(idStr)
		notifs = append(notifs, notif)
	}
	if err = rows.Err(); err != nil {
		return err, &notifs
	}
	return nil, &notifs
}

func (db *DB) MarkNotificationRead(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkNotificationRead, id.String())
		return err
	})
}

func (db *DB) CountNotificationsByKind(kind string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountNotificationsByKind, kind).Scan(&count)
	return err, count
}

// Blob metadata queries
const (
	sqlInsertBlob       = `INSERT INTO blobs(hash, content_type, size, ref_count, created_at) VALUES (?, ?, ?, 1, ?) ON CONFLICT(hash) DO UPDATE SET ref_count = ref_count + 1`
	sqlSelectBlob       = `SELECT hash, content_type, size, ref_count, created_at FROM blobs WHERE hash = ?`
	sqlReleaseBlob      = `UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`
	sqlSelectZeroRef    = `SELECT hash FROM blobs WHERE ref_count <= 0`
	sqlDeleteBlobByHash = `DELETE FROM blobs WHERE hash = ?`
)

// UpsertBlob records blob metadata, incrementing the reference count
// when the hash already exists.
func (db *DB) UpsertBlob(blob *domain.Blob) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertBlob, blob.Hash, blob.ContentType, blob.Size, blob.CreatedAt)
		return err
	})
}

func (db *DB) ReadBlob(hash string) (error, *domain.Blob) {
	row := db.db.QueryRow(sqlSelectBlob, hash)
	var blob domain.Blob
	err := row.Scan(&blob.Hash, &blob.ContentType, &blob.Size, &blob.RefCount, &blob.CreatedAt)
	if err != nil {
		return err, nil
	}
	return nil, &blob
}

func (db *DB) ReleaseBlob(hash string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlReleaseBlob, hash)
		return err
	})
}

// ReadZeroRefBlobs lists blobs eligible for garbage collection.
func (db *DB) ReadZeroRefBlobs() (error, []string) {
	rows, err := db.db.Query(sqlSelectZeroRef)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return err, hashes
		}
		hashes = append(hashes, hash)
	}
	return rows.Err(), hashes
}

func (db *DB) DeleteBlob(hash string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlobByHash, hash)
		return err
	})
}
