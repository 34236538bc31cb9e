package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	AvatarURL      string
	Blocked        bool
	MovedToURI     string
	LastFetchedAt  time.Time
}

// Inbox returns the shared inbox when the actor advertises one,
// otherwise the personal inbox.
func (acc *RemoteAccount) Inbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// Follow represents a follow relationship
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // The follower (local or remote)
	TargetAccountId uuid.UUID // The account being followed
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Like represents a like/favorite on a note
type Like struct {
	Id        uuid.UUID
	AccountId uuid.UUID // Who liked (can be local or remote)
	NoteId    uuid.UUID // Which note was liked
	URI       string    // ActivityPub Like activity URI
	CreatedAt time.Time
}

// Announce represents a boost/share of a note
type Announce struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	URI       string // ActivityPub Announce activity URI
	CreatedAt time.Time
}

// Activity represents an ActivityPub activity. Activities are immutable
// once recorded; corrections arrive as new Update/Delete activities
// referencing the original object.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Bookmarked   bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// Delivery task states
const (
	DeliveryPending   = "pending"
	DeliveryInFlight  = "in_flight"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// DeliveryTask is one outbound delivery obligation. At most one task
// exists per (activity URI, inbox URI) pair.
type DeliveryTask struct {
	Id            uuid.UUID
	ActivityURI   string
	InboxURI      string
	ActivityJSON  string // The complete activity to deliver
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	LastStatus    int    // Last HTTP status code received
	LastError     string // Last failure detail, kept for inspection
	CreatedAt     time.Time
}

// Notification kinds, mirroring the activity types that produce them
const (
	NotifNewFollower     = "new_follower"
	NotifPendingFollower = "pending_incoming_follower"
	NotifUnfollow        = "unfollow"
	NotifFollowAccepted  = "follow_request_accepted"
	NotifFollowRejected  = "follow_request_rejected"
	NotifLike            = "like"
	NotifUndoLike        = "undo_like"
	NotifAnnounce        = "announce"
	NotifUndoAnnounce    = "undo_announce"
	NotifMention         = "mention"
	NotifMove            = "move"
	NotifBlocked         = "blocked"
)

// Notification is a derived side effect of inbound processing
type Notification struct {
	Id          uuid.UUID
	Kind        string
	ActivityURI string
	ActorURI    string
	Read        bool
	CreatedAt   time.Time
}
