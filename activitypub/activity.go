package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ContentType = "application/activity+json"
	UserAgent   = "mammut/1.0 ActivityPub"

	// PublicCollection marks an activity as publicly addressed
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
)

// Closed set of activity types the engine dispatches on. Anything else
// is stored for audit without side effects.
const (
	TypeCreate   = "Create"
	TypeUpdate   = "Update"
	TypeDelete   = "Delete"
	TypeFollow   = "Follow"
	TypeAccept   = "Accept"
	TypeReject   = "Reject"
	TypeLike     = "Like"
	TypeAnnounce = "Announce"
	TypeUndo     = "Undo"
	TypeBlock    = "Block"
	TypeMove     = "Move"
)

// Activity is the parsed envelope of an ActivityPub activity. Object is
// kept raw because it may be a bare IRI string or an embedded object.
type Activity struct {
	Context   interface{}     `json:"@context"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Target    string          `json:"target,omitempty"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
}

// ParseActivity decodes a raw payload into the activity envelope and
// validates the fields every activity must carry.
func ParseActivity(raw []byte) (*Activity, error) {
	var activity Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		return nil, fmt.Errorf("%w: missing id, type or actor", ErrMalformedPayload)
	}
	return &activity, nil
}

// ObjectURI returns the IRI of the activity's object, whether the
// object is a reference or embedded.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ObjectType returns the type of an embedded object, or "" when the
// object is a bare IRI.
func (a *Activity) ObjectType() string {
	if len(a.Object) == 0 {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.Type
	}
	return ""
}

// IsPublic reports whether the activity is addressed to the public
// collection in either to or cc.
func (a *Activity) IsPublic() bool {
	for _, addr := range a.To {
		if addr == PublicCollection || addr == "as:Public" || addr == "Public" {
			return true
		}
	}
	for _, addr := range a.Cc {
		if addr == PublicCollection || addr == "as:Public" || addr == "Public" {
			return true
		}
	}
	return false
}

// Recipients returns all addressed IRIs except the public collection
// marker, deduplicated, preserving order of first appearance.
func (a *Activity) Recipients() []string {
	seen := make(map[string]bool)
	var recipients []string
	for _, addr := range append(append([]string{}, a.To...), a.Cc...) {
		if addr == "" || addr == PublicCollection || addr == "as:Public" || addr == "Public" {
			continue
		}
		if !seen[addr] {
			seen[addr] = true
			recipients = append(recipients, addr)
		}
	}
	return recipients
}

// Mentions reports whether the raw payload references the given URI
// prefix anywhere outside the activity's own id, used to detect
// mentions of and replies to local objects.
func Mentions(raw []byte, localPrefix string) bool {
	if localPrefix == "" {
		return false
	}
	return strings.Contains(string(raw), localPrefix)
}
