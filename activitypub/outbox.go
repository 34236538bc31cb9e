package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
	"github.com/mammutfed/mammut/util"
)

// Dispatcher turns locally authored activities into durable delivery
// tasks, one per distinct destination inbox.
type Dispatcher struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Resolver *Resolver

	log *log.Logger
}

func NewDispatcher(database *db.DB, resolver *Resolver, conf *util.AppConfig) *Dispatcher {
	return &Dispatcher{
		DB:       database,
		Conf:     conf,
		Resolver: resolver,
		log:      log.WithPrefix("outbox"),
	}
}

// ActorURI returns the IRI of the local actor.
func (d *Dispatcher) ActorURI() string {
	return fmt.Sprintf("https://%s/users/%s", d.Conf.Conf.SslDomain, d.Conf.Conf.Username)
}

// FollowersURI returns the IRI of the local followers collection.
func (d *Dispatcher) FollowersURI() string {
	return d.ActorURI() + "/followers"
}

func (d *Dispatcher) newActivityURI() string {
	return fmt.Sprintf("https://%s/activities/%s", d.Conf.Conf.SslDomain, uuid.New().String())
}

// Submit records a local activity and fans it out: the recipient set is
// computed from the addressing fields, every addressed actor is
// resolved, recipients sharing an inbox are collapsed to one task, and
// one durable DeliveryTask per distinct inbox is enqueued. Returns the
// number of tasks created.
func (d *Dispatcher) Submit(activity *Activity) (int, error) {
	raw, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal activity: %w", err)
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    activity.ObjectURI(),
		RawJSON:      string(raw),
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := d.DB.CreateActivity(record); err != nil {
		// Resubmission of an already stored activity is fine; the
		// unique activity URI keeps the log single-entry.
		d.log.Debug("activity already recorded", "uri", activity.ID)
	}

	inboxes, err := d.computeInboxes(activity)
	if err != nil {
		return 0, err
	}

	created := 0
	now := time.Now()
	for _, inbox := range inboxes {
		task := &domain.DeliveryTask{
			Id:            uuid.New(),
			ActivityURI:   activity.ID,
			InboxURI:      inbox,
			ActivityJSON:  string(raw),
			Status:        domain.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := d.DB.EnqueueDeliveryTask(task); err != nil {
			d.log.Error("failed to enqueue delivery", "inbox", inbox, "err", err)
			continue
		}
		created++
	}

	d.log.Info("queued activity for delivery", "type", activity.Type, "uri", activity.ID, "inboxes", created)
	return created, nil
}

// computeInboxes resolves the recipient set to distinct destination
// inbox URLs. The shared-inbox collapse only merges recipients whose
// server advertises one inbox for them all; it never drops a recipient
// that has no shared inbox.
func (d *Dispatcher) computeInboxes(activity *Activity) ([]string, error) {
	recipients := activity.Recipients()

	// The followers collection and the public marker both fan out to
	// every accepted follower.
	wantFollowers := activity.IsPublic()
	var direct []string
	for _, rcp := range recipients {
		if rcp == d.FollowersURI() {
			wantFollowers = true
			continue
		}
		direct = append(direct, rcp)
	}

	seen := make(map[string]bool)
	var inboxes []string
	add := func(inbox string) {
		if inbox != "" && !seen[inbox] {
			seen[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}

	if wantFollowers {
		err, localAccount := d.DB.ReadLocalAccount()
		if err != nil {
			return nil, fmt.Errorf("failed to read local account: %w", err)
		}
		err, followers := d.DB.ReadFollowersOf(localAccount.Id)
		if err != nil {
			return nil, fmt.Errorf("failed to read followers: %w", err)
		}
		for _, follower := range *followers {
			err, remoteActor := d.DB.ReadRemoteAccountById(follower.AccountId)
			if err != nil || remoteActor == nil {
				d.log.Warn("follower not in actor cache", "id", follower.AccountId)
				continue
			}
			add(remoteActor.Inbox())
		}
	}

	for _, rcp := range direct {
		if strings.HasPrefix(rcp, "https://"+d.Conf.Conf.SslDomain+"/") {
			continue // local addressing needs no delivery
		}
		remoteActor, err := d.Resolver.Resolve(rcp)
		if err != nil {
			d.log.Warn("failed to resolve recipient", "recipient", rcp, "err", err)
			continue
		}
		add(remoteActor.Inbox())
	}

	return inboxes, nil
}

// SendAccept submits an Accept activity in response to a Follow.
func (d *Dispatcher) SendAccept(remoteActor *domain.RemoteAccount, followActivity *Activity) error {
	accept := &Activity{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      d.newActivityURI(),
		Type:    TypeAccept,
		Actor:   d.ActorURI(),
		Object:  mustRaw(followActivity),
		To:      []string{remoteActor.ActorURI},
	}
	_, err := d.Submit(accept)
	return err
}

// SendReject submits a Reject for a Follow the operator declined.
func (d *Dispatcher) SendReject(remoteActor *domain.RemoteAccount, followActivity *Activity) error {
	reject := &Activity{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      d.newActivityURI(),
		Type:    TypeReject,
		Actor:   d.ActorURI(),
		Object:  mustRaw(followActivity),
		To:      []string{remoteActor.ActorURI},
	}
	_, err := d.Submit(reject)
	return err
}

// SendCreate wraps a local note in a Create activity addressed to the
// public collection and the followers collection.
func (d *Dispatcher) SendCreate(note *domain.Note) error {
	actorURI := d.ActorURI()
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = fmt.Sprintf("https://%s/notes/%s", d.Conf.Conf.SslDomain, note.Id.String())
	}

	object := map[string]interface{}{
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      note.Message,
		"published":    note.CreatedAt.UTC().Format(time.RFC3339),
		"to":           []string{PublicCollection},
		"cc":           []string{d.FollowersURI()},
	}
	if note.InReplyToURI != "" {
		object["inReplyTo"] = note.InReplyToURI
	}

	create := &Activity{
		Context:   "https://www.w3.org/ns/activitystreams",
		ID:        d.newActivityURI(),
		Type:      TypeCreate,
		Actor:     actorURI,
		Object:    mustRawValue(object),
		Published: note.CreatedAt.UTC().Format(time.RFC3339),
		To:        []string{PublicCollection},
		Cc:        []string{d.FollowersURI()},
	}
	_, err := d.Submit(create)
	return err
}

// SendFollow submits a Follow for a remote actor and records the
// pending follow relationship.
func (d *Dispatcher) SendFollow(remoteActorURI string) error {
	remoteActor, err := d.Resolver.Resolve(remoteActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve remote actor: %w", err)
	}

	err, localAccount := d.DB.ReadLocalAccount()
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	follow := &Activity{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      d.newActivityURI(),
		Type:    TypeFollow,
		Actor:   d.ActorURI(),
		Object:  mustRawValue(remoteActor.ActorURI),
		To:      []string{remoteActor.ActorURI},
	}

	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       localAccount.Id,
		TargetAccountId: remoteActor.Id,
		URI:             follow.ID,
		Accepted:        false, // Pending until Accept received
		CreatedAt:       time.Now(),
	}
	if err := d.DB.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	_, err = d.Submit(follow)
	return err
}

// SendUndo submits an Undo wrapping a previously sent activity.
func (d *Dispatcher) SendUndo(original *Activity, to []string) error {
	undo := &Activity{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      d.newActivityURI(),
		Type:    TypeUndo,
		Actor:   d.ActorURI(),
		Object:  mustRaw(original),
		To:      to,
	}
	_, err := d.Submit(undo)
	return err
}

// SendFarewellDelete announces the deletion of the local actor to all
// followers. Used by self-destruct: the resulting tasks are drained
// before shutdown.
func (d *Dispatcher) SendFarewellDelete() error {
	actorURI := d.ActorURI()
	farewell := &Activity{
		Context: "https://www.w3.org/ns/activitystreams",
		ID:      d.newActivityURI(),
		Type:    TypeDelete,
		Actor:   actorURI,
		Object:  mustRawValue(actorURI),
		To:      []string{PublicCollection},
		Cc:      []string{d.FollowersURI()},
	}
	_, err := d.Submit(farewell)
	return err
}

func mustRaw(v *Activity) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}

func mustRawValue(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}
