package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammutfed/mammut/domain"
	"github.com/mammutfed/mammut/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct. All durable state (activities, actor cache,
// follows, delivery tasks, notifications, blobs) is mutated through its
// methods only.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id TEXT NOT NULL PRIMARY KEY,
                        username TEXT UNIQUE NOT NULL,
                        display_name TEXT,
                        summary TEXT,
                        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
                        web_public_key TEXT,
                        web_private_key TEXT
                        )`
	sqlInsertAccount          = `INSERT INTO accounts(id, username, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectAccByUsername    = `SELECT id, username, COALESCE(display_name, ''), COALESCE(summary, ''), created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`
	sqlSelectFirstAccount     = `SELECT id, username, COALESCE(display_name, ''), COALESCE(summary, ''), created_at, web_public_key, web_private_key FROM accounts ORDER BY created_at ASC LIMIT 1`

	//Notes
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes(
                        id TEXT NOT NULL PRIMARY KEY,
                        user_id TEXT NOT NULL,
                        message TEXT,
                        visibility TEXT DEFAULT 'public',
                        in_reply_to_uri TEXT,
                        object_uri TEXT,
                        like_count INTEGER DEFAULT 0,
                        announce_count INTEGER DEFAULT 0,
                        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
                        )`
	sqlInsertNote = `INSERT INTO notes(id, user_id, message, visibility, in_reply_to_uri, object_uri, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoteById = `SELECT notes.id, accounts.username, notes.message, notes.visibility, COALESCE(notes.in_reply_to_uri, ''), COALESCE(notes.object_uri, ''), notes.like_count, notes.announce_count, notes.created_at FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE notes.id = ?`
	sqlSelectNoteByObjectURI = `SELECT notes.id, accounts.username, notes.message, notes.visibility, COALESCE(notes.in_reply_to_uri, ''), COALESCE(notes.object_uri, ''), notes.like_count, notes.announce_count, notes.created_at FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE notes.object_uri = ?`
	sqlIncrementLikeCount     = `UPDATE notes SET like_count = like_count + ? WHERE object_uri = ?`
	sqlIncrementAnnounceCount = `UPDATE notes SET announce_count = announce_count + ? WHERE object_uri = ?`
)

// Open opens (or creates) the sqlite database at the given path and
// prepares it for the concurrent federation workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warnf("Failed to enable WAL mode: %v", err)
	} else {
		log.Infof("Database journal mode: %s", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.CreateDB(); err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// CreateDB creates the base tables.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateAccountsTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateNotesTable); err != nil {
			return err
		}
		return nil
	})
}

func (db *DB) CreateAccount(username string, keypair *util.RsaKeyPair) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, uuid.New().String(), username, keypair.Public, keypair.Private, time.Now())
		return err
	})
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccByUsername, username)
	return scanAccount(row)
}

// ReadLocalAccount returns the single local actor.
func (db *DB) ReadLocalAccount() (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectFirstAccount)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (db *DB) CreateNote(note *domain.Note, userId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNote,
			note.Id.String(),
			userId.String(),
			note.Message,
			note.Visibility,
			note.InReplyToURI,
			note.ObjectURI,
			note.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadNoteById(id uuid.UUID) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNoteById, id.String())
	return scanNote(row)
}

func (db *DB) ReadNoteByObjectURI(uri string) (error, *domain.Note) {
	row := db.db.QueryRow(sqlSelectNoteByObjectURI, uri)
	return scanNote(row)
}

func scanNote(row *sql.Row) (error, *domain.Note) {
	var note domain.Note
	var idStr string
	err := row.Scan(&idStr, &note.CreatedBy, &note.Message, &note.Visibility, &note.InReplyToURI, &note.ObjectURI, &note.LikeCount, &note.AnnounceCount, &note.CreatedAt)
	if err != nil {
		return err, nil
	}
	note.Id, _ = uuid.Parse(idStr)
	return nil, &note
}

// AddToLikeCount adjusts the like counter on the local note with the
// given object URI. Negative deltas reverse a previously applied Like.
func (db *DB) AddToLikeCount(objectURI string, delta int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementLikeCount, delta, objectURI)
		return err
	})
}

func (db *DB) AddToAnnounceCount(objectURI string, delta int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementAnnounceCount, delta, objectURI)
		return err
	})
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Errorf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}
