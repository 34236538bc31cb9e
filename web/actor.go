package web

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
	"github.com/mammutfed/mammut/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(domain string, username string, act action) string {
	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch act {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

type actorDocument struct {
	Context           []string `json:"@context"`
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	PreferredUsername string   `json:"preferredUsername"`
	Name              string   `json:"name"`
	Summary           string   `json:"summary,omitempty"`
	Inbox             string   `json:"inbox"`
	Outbox            string   `json:"outbox"`
	Followers         string   `json:"followers"`
	Following         string   `json:"following"`
	URL               string   `json:"url"`
	ManualFollowers   bool     `json:"manuallyApprovesFollowers"`
	Discoverable      bool     `json:"discoverable"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// GetActor renders the local account as an ActivityPub actor document,
// public key and shared inbox endpoint included.
func GetActor(database *db.DB, username string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	domainName := conf.Conf.SslDomain
	doc := actorDocument{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                getIRI(domainName, acc.Username, id),
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             getIRI(domainName, acc.Username, inbox),
		Outbox:            getIRI(domainName, acc.Username, outbox),
		Followers:         getIRI(domainName, acc.Username, followers),
		Following:         getIRI(domainName, acc.Username, following),
		URL:               getIRI(domainName, acc.Username, id),
		ManualFollowers:   conf.Conf.ManuallyApprovesFollowers,
		Discoverable:      true,
	}
	doc.Endpoints.SharedInbox = getIRI(domainName, acc.Username, sharedInbox)
	doc.PublicKey.ID = fmt.Sprintf("%s#main-key", doc.ID)
	doc.PublicKey.Owner = doc.ID
	doc.PublicKey.PublicKeyPem = acc.WebPublicKey

	out, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(out)
}

// GetNoteObject renders a local note as an ActivityPub object.
func GetNoteObject(database *db.DB, noteId uuid.UUID, conf *util.AppConfig) (error, string) {
	err, note := database.ReadNoteById(noteId)
	if err != nil {
		return err, "{}"
	}
	// Only public and unlisted notes are served without authentication.
	if note.Visibility != "public" && note.Visibility != "unlisted" {
		return fmt.Errorf("note %s is not public", noteId), "{}"
	}

	err, acc := database.ReadAccByUsername(note.CreatedBy)
	if err != nil {
		return err, "{}"
	}

	actorURI := getIRI(conf.Conf.SslDomain, acc.Username, id)
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = fmt.Sprintf("https://%s/notes/%s", conf.Conf.SslDomain, note.Id.String())
	}

	doc := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      note.Message,
		"published":    note.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"to":           []string{"https://www.w3.org/ns/activitystreams#Public"},
		"cc":           []string{getIRI(conf.Conf.SslDomain, acc.Username, followers)},
	}
	if note.InReplyToURI != "" {
		doc["inReplyTo"] = note.InReplyToURI
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(out)
}

// GetFollowCollection renders the followers or following collection as
// a bare OrderedCollection carrying only the total count.
func GetFollowCollection(database *db.DB, acc *domain.Account, conf *util.AppConfig, act action) (error, string) {
	var err error
	var follows *[]domain.Follow
	if act == followers {
		err, follows = database.ReadFollowersOf(acc.Id)
	} else {
		err, follows = database.ReadFollowingOf(acc.Id)
	}
	if err != nil {
		return err, "{}"
	}

	total := 0
	if follows != nil {
		total = len(*follows)
	}
	doc := map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         getIRI(conf.Conf.SslDomain, acc.Username, act),
		"type":       "OrderedCollection",
		"totalItems": total,
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(out)
}

// GetWebfinger resolves an acct: resource to the local actor.
func GetWebfinger(database *db.DB, user string, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccByUsername(user)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	doc := map[string]interface{}{
		"subject": fmt.Sprintf("acct:%s@%s", acc.Username, conf.Conf.SslDomain),
		"links": []map[string]string{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": getIRI(conf.Conf.SslDomain, acc.Username, id),
			},
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err, GetWebFingerNotFound()
	}
	return nil, string(out)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
