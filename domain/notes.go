package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Note struct {
	Id        uuid.UUID
	CreatedBy string
	Message   string
	CreatedAt time.Time
	// ActivityPub fields
	Visibility    string // "public", "unlisted", "followers", "direct"
	InReplyToURI  string // URI of the note this is replying to
	ObjectURI     string // ActivityPub object URI
	LikeCount     int
	AnnounceCount int
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}

// Blob is a content-addressed binary object
type Blob struct {
	Hash        string // hex blake2b-256 of the (metadata-stripped) content
	ContentType string
	Size        int64
	RefCount    int
	CreatedAt   time.Time
}
