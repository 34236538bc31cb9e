package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
)

// Remote account queries
const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, blocked, moved_to_uri, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountCols  = `SELECT id, username, domain, actor_uri, COALESCE(display_name, ''), COALESCE(summary, ''), inbox_uri, COALESCE(shared_inbox_uri, ''), COALESCE(outbox_uri, ''), public_key_pem, COALESCE(avatar_url, ''), blocked, COALESCE(moved_to_uri, ''), last_fetched_at FROM remote_accounts`
	sqlSelectRemoteAccountByURI = sqlSelectRemoteAccountCols + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = sqlSelectRemoteAccountCols + ` WHERE id = ?`
	sqlUpdateRemoteBlocked      = `UPDATE remote_accounts SET blocked = ? WHERE actor_uri = ?`
	sqlUpdateRemoteMovedTo      = `UPDATE remote_accounts SET moved_to_uri = ? WHERE actor_uri = ?`
	sqlDeleteRemoteAccount      = `DELETE FROM remote_accounts WHERE id = ?`
)

// UpsertRemoteAccount inserts a new actor cache row or refreshes the
// existing row for the same actor URI. The block flag is preserved on
// refresh.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.Blocked,
			acc.MovedToURI,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
}

func (db *DB) SetRemoteAccountBlocked(actorURI string, blocked bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteBlocked, blocked, actorURI)
		return err
	})
}

func (db *DB) SetRemoteAccountMovedTo(actorURI, movedToURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteMovedTo, movedToURI, actorURI)
		return err
	})
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.OutboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.Blocked,
		&acc.MovedToURI,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

// Follow queries
const (
	sqlInsertFollow          = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(account_id, target_account_id) DO UPDATE SET uri = excluded.uri`
	sqlSelectFollowByURI     = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByAccIds  = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI     = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI     = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlSelectFollowersOf     = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE target_account_id = ? AND accepted = 1`
	sqlSelectFollowingOf     = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE account_id = ? AND accepted = 1`
	sqlDeleteFollowsByAccId  = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri))
}

func (db *DB) ReadFollowByAccountIds(accountId, targetAccountId uuid.UUID) (error, *domain.Follow) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByAccIds, accountId.String(), targetAccountId.String()))
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

// ReadFollowersOf returns all accepted follows targeting the given
// account, i.e. its followers.
func (db *DB) ReadFollowersOf(targetAccountId uuid.UUID) (error, *[]domain.Follow) {
	return scanFollowRows(db.db.Query(sqlSelectFollowersOf, targetAccountId.String()))
}

// ReadFollowingOf returns all accepted follows originating from the
// given account, i.e. who it follows.
func (db *DB) ReadFollowingOf(accountId uuid.UUID) (error, *[]domain.Follow) {
	return scanFollowRows(db.db.Query(sqlSelectFollowingOf, accountId.String()))
}

func scanFollowRows(rows *sql.Rows, err error) (error, *[]domain.Follow) {
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr, targetIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &follows
		}
		follow.Id, _ = uuid.Parse(idStr)
		follow.AccountId, _ = uuid.Parse(accountIdStr)
		follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
		follows = append(follows, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

func (db *DB) DeleteFollowsByAccountId(accountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAccId, accountId.String(), accountId.String())
		return err
	})
}

func scanFollow(row *sql.Row) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil, &follow
}

// Like queries
const (
	sqlInsertLike      = `INSERT INTO likes(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectLikeByURI = `SELECT id, account_id, note_id, uri, created_at FROM likes WHERE uri = ?`
	sqlDeleteLikeByURI = `DELETE FROM likes WHERE uri = ?`
)

func (db *DB) CreateLike(like *domain.Like) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike,
			like.Id.String(),
			like.AccountId.String(),
			like.NoteId.String(),
			like.URI,
			like.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadLikeByURI(uri string) (error, *domain.Like) {
	row := db.db.QueryRow(sqlSelectLikeByURI, uri)
	var like domain.Like
	var idStr, accountIdStr, noteIdStr string
	err := row.Scan(&idStr, &accountIdStr, &noteIdStr, &like.URI, &like.CreatedAt)
	if err != nil {
		return err, nil
	}
	like.Id, _ = uuid.Parse(idStr)
	like.AccountId, _ = uuid.Parse(accountIdStr)
	like.NoteId, _ = uuid.Parse(noteIdStr)
	return nil, &like
}

// DeleteLikeByURI removes a like and reports whether a row was actually
// deleted, so callers can keep the note counter in step.
func (db *DB) DeleteLikeByURI(uri string) (error, int64) {
	var removed int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteLikeByURI, uri)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return err, removed
}

// Announce queries
const (
	sqlInsertAnnounce      = `INSERT INTO announces(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteAnnounceByURI = `DELETE FROM announces WHERE uri = ?`
)

func (db *DB) CreateAnnounce(announce *domain.Announce) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAnnounce,
			announce.Id.String(),
			announce.AccountId.String(),
			announce.NoteId.String(),
			announce.URI,
			announce.CreatedAt,
		)
		return err
	})
}

// DeleteAnnounceByURI removes an announce and reports whether a row was
// actually deleted.
func (db *DB) DeleteAnnounceByURI(uri string) (error, int64) {
	var removed int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteAnnounceByURI, uri)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return err, removed
}
