package activitypub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
	"github.com/mammutfed/mammut/util"
)

// Processor authenticates, deduplicates and applies side effects for
// activities arriving from remote servers.
type Processor struct {
	DB         *db.DB
	Conf       *util.AppConfig
	Resolver   *Resolver
	Dispatcher *Dispatcher

	log *log.Logger

	// objectLocks serializes counter and relationship mutations per
	// object so concurrent arrivals never lose updates. Locks are only
	// held around the local mutation, never across network I/O.
	objectLocks sync.Map // map[string]*sync.Mutex
}

func NewProcessor(database *db.DB, resolver *Resolver, dispatcher *Dispatcher, conf *util.AppConfig) *Processor {
	return &Processor{
		DB:         database,
		Conf:       conf,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		log:        log.WithPrefix("inbox"),
	}
}

func (p *Processor) lockObject(objectURI string) func() {
	v, _ := p.objectLocks.LoadOrStore(objectURI, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Ingest runs the full inbound pipeline for a raw payload:
// authenticate, blocklist, deduplicate, apply side effects, emit
// notifications. A nil return covers both first application and
// idempotent redelivery. Typed errors classify every rejection.
func (p *Processor) Ingest(raw []byte, req *http.Request) error {
	activity, err := ParseActivity(raw)
	if err != nil {
		return err
	}

	p.log.Info("received activity", "type", activity.Type, "actor", activity.Actor)

	remoteActor, err := p.authenticate(activity, req)
	if err != nil {
		return err
	}

	// Blocklist check is silent: the caller maps ErrBlocked to the
	// same response as success so block state never leaks. An Undo
	// from a blocked actor is still applied, so that a block followed
	// by their unfollow leaves consistent state.
	if activity.Type != TypeUndo {
		if remoteActor.Blocked || p.Conf.ServerBlocked(remoteActor.Domain) {
			p.log.Warn("dropping activity from blocked sender", "actor", remoteActor.ActorURI)
			return ErrBlocked
		}
	}

	// Idempotent redelivery: an already-applied activity IRI is a no-op
	// success and must never double-apply side effects. A stored row
	// that never reached Processed means an earlier attempt failed
	// after persisting (an Undo ahead of its target, a mid-apply DB
	// error); the redelivery retries the side effects on the same row.
	var record *domain.Activity
	if err, existing := p.DB.ReadActivityByURI(activity.ID); err == nil && existing != nil {
		if existing.Processed {
			p.log.Info("duplicate activity, skipping", "uri", activity.ID)
			return nil
		}
		p.log.Info("retrying unapplied activity", "uri", activity.ID)
		record = existing
	}

	if record == nil {
		record = &domain.Activity{
			Id:           uuid.New(),
			ActivityURI:  activity.ID,
			ActivityType: activity.Type,
			ActorURI:     activity.Actor,
			ObjectURI:    activity.ObjectURI(),
			RawJSON:      string(raw),
			Local:        false,
			CreatedAt:    time.Now(),
		}
		if err := p.DB.CreateActivity(record); err != nil {
			return fmt.Errorf("failed to store activity: %w", err)
		}
	}

	if err := p.apply(activity, raw, remoteActor); err != nil {
		return err
	}

	record.Processed = true
	if err := p.DB.UpdateActivity(record); err != nil {
		p.log.Error("failed to mark activity processed", "uri", activity.ID, "err", err)
	}
	return nil
}

// authenticate verifies the request signature against the claimed
// actor's public key. When no signature is present at all, the slower
// fallback fetches the activity from its claimed origin and compares.
func (p *Processor) authenticate(activity *Activity, req *http.Request) (*domain.RemoteAccount, error) {
	if req == nil || req.Header.Get("Signature") == "" {
		return p.authenticateByOriginFetch(activity)
	}

	keyId, err := SignatureKeyId(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	signerURI := KeyIdToActorURI(keyId)

	// A valid signature only proves possession of the signer's key.
	// The claimed actor must live on the signer's origin, or a server
	// could deliver activities attributed to actors it does not host.
	signerDomain, sErr := extractDomain(signerURI)
	actorDomain, aErr := extractDomain(activity.Actor)
	if sErr != nil || aErr != nil || signerDomain != actorDomain {
		return nil, fmt.Errorf("%w: signer %s cannot attest for actor %s", ErrAuthenticationFailed, signerURI, activity.Actor)
	}

	remoteActor, err := p.Resolver.Resolve(signerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve signer %s: %v", ErrAuthenticationFailed, signerURI, err)
	}

	if _, err := VerifyRequest(req, remoteActor.PublicKeyPem); err != nil {
		// The key may have been rotated since we cached it; one forced
		// refresh before giving up.
		refreshed, rErr := p.Resolver.fetchActor(signerURI)
		if rErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		if _, err := VerifyRequest(req, refreshed.PublicKeyPem); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		remoteActor = refreshed
	}

	return remoteActor, nil
}

// authenticateByOriginFetch fetches the activity from its claimed IRI
// and accepts it if the origin serves the same actor attribution.
func (p *Processor) authenticateByOriginFetch(activity *Activity) (*domain.RemoteAccount, error) {
	fetched, err := p.Resolver.FetchObject(activity.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: unsigned and origin fetch failed: %v", ErrAuthenticationFailed, err)
	}

	origin, err := ParseActivity(fetched)
	if err != nil || origin.Actor != activity.Actor {
		return nil, fmt.Errorf("%w: origin copy does not match claimed actor", ErrAuthenticationFailed)
	}

	remoteActor, err := p.Resolver.Resolve(activity.Actor)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve actor: %v", ErrAuthenticationFailed, err)
	}
	return remoteActor, nil
}

// apply dispatches on the activity type. Unknown types are already
// stored for audit and are not an error.
func (p *Processor) apply(activity *Activity, raw []byte, remoteActor *domain.RemoteAccount) error {
	switch activity.Type {
	case TypeFollow:
		return p.applyFollow(activity, remoteActor)
	case TypeUndo:
		return p.applyUndo(activity, remoteActor)
	case TypeLike:
		return p.applyLike(activity, remoteActor)
	case TypeAnnounce:
		return p.applyAnnounce(activity, remoteActor)
	case TypeCreate:
		return p.applyCreate(activity, raw, remoteActor)
	case TypeUpdate:
		return p.applyUpdate(activity, raw, remoteActor)
	case TypeDelete:
		return p.applyDelete(activity, remoteActor)
	case TypeAccept:
		return p.applyAccept(activity, remoteActor)
	case TypeReject:
		return p.applyReject(activity, remoteActor)
	case TypeBlock:
		return p.applyBlock(activity, remoteActor)
	case TypeMove:
		return p.applyMove(activity, remoteActor)
	default:
		p.log.Info("unsupported activity type stored for audit", "type", activity.Type)
		return nil
	}
}

func (p *Processor) applyFollow(activity *Activity, remoteActor *domain.RemoteAccount) error {
	err, localAccount := p.DB.ReadLocalAccount()
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	manual := p.Conf.Conf.ManuallyApprovesFollowers
	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remoteActor.Id,
		TargetAccountId: localAccount.Id,
		URI:             activity.ID,
		Accepted:        !manual,
		CreatedAt:       time.Now(),
	}
	if err := p.DB.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	if manual {
		p.notify(domain.NotifPendingFollower, activity, remoteActor)
		return nil
	}

	if err := p.Dispatcher.SendAccept(remoteActor, activity); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}
	p.notify(domain.NotifNewFollower, activity, remoteActor)
	return nil
}

// applyUndo reverses the effect of a previously applied activity. If
// the referenced activity never arrived, the Undo is dropped with
// UnknownReference; the sender may redeliver later.
func (p *Processor) applyUndo(activity *Activity, remoteActor *domain.RemoteAccount) error {
	refURI := activity.ObjectURI()
	if refURI == "" {
		return fmt.Errorf("%w: Undo without object", ErrMalformedPayload)
	}

	err, original := p.DB.ReadActivityByURI(refURI)
	if err != nil || original == nil {
		p.log.Warn("Undo references unknown activity, dropping", "ref", refURI)
		return ErrUnknownReference
	}

	switch original.ActivityType {
	case TypeLike:
		unlock := p.lockObject(original.ObjectURI)
		defer unlock()
		err, removed := p.DB.DeleteLikeByURI(original.ActivityURI)
		if err != nil {
			return fmt.Errorf("failed to remove like: %w", err)
		}
		// The counter only moves when a like row was actually deleted;
		// a second Undo under a fresh IRI must not drive it negative.
		if removed > 0 {
			p.DB.AddToLikeCount(original.ObjectURI, -1)
			p.notify(domain.NotifUndoLike, activity, remoteActor)
		}
	case TypeAnnounce:
		unlock := p.lockObject(original.ObjectURI)
		defer unlock()
		err, removed := p.DB.DeleteAnnounceByURI(original.ActivityURI)
		if err != nil {
			return fmt.Errorf("failed to remove announce: %w", err)
		}
		if removed > 0 {
			p.DB.AddToAnnounceCount(original.ObjectURI, -1)
			p.notify(domain.NotifUndoAnnounce, activity, remoteActor)
		}
	case TypeFollow:
		if err := p.DB.DeleteFollowByURI(original.ActivityURI); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		p.notify(domain.NotifUnfollow, activity, remoteActor)
	case TypeBlock:
		p.DB.SetRemoteAccountBlocked(remoteActor.ActorURI, false)
	default:
		p.log.Info("Undo of unsupported type, stored only", "type", original.ActivityType)
	}
	return nil
}

func (p *Processor) applyLike(activity *Activity, remoteActor *domain.RemoteAccount) error {
	objectURI := activity.ObjectURI()
	unlock := p.lockObject(objectURI)
	defer unlock()

	err, note := p.DB.ReadNoteByObjectURI(objectURI)
	if err != nil || note == nil {
		// Not a local object: keep the activity, no counter to bump.
		return nil
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := p.DB.CreateLike(like); err != nil {
		// Same account liking the same note twice under different
		// activity IRIs; the unique index keeps state single-entry.
		p.log.Info("like already recorded", "note", note.Id, "actor", remoteActor.ActorURI)
		return nil
	}

	if err := p.DB.AddToLikeCount(objectURI, 1); err != nil {
		return fmt.Errorf("failed to increment like counter: %w", err)
	}
	p.notify(domain.NotifLike, activity, remoteActor)
	return nil
}

func (p *Processor) applyAnnounce(activity *Activity, remoteActor *domain.RemoteAccount) error {
	objectURI := activity.ObjectURI()
	unlock := p.lockObject(objectURI)
	defer unlock()

	err, note := p.DB.ReadNoteByObjectURI(objectURI)
	if err != nil || note == nil {
		return nil
	}

	announce := &domain.Announce{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		NoteId:    note.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := p.DB.CreateAnnounce(announce); err != nil {
		p.log.Info("announce already recorded", "note", note.Id, "actor", remoteActor.ActorURI)
		return nil
	}

	if err := p.DB.AddToAnnounceCount(objectURI, 1); err != nil {
		return fmt.Errorf("failed to increment announce counter: %w", err)
	}
	p.notify(domain.NotifAnnounce, activity, remoteActor)
	return nil
}

func (p *Processor) applyCreate(activity *Activity, raw []byte, remoteActor *domain.RemoteAccount) error {
	// The stored activity row doubles as the inbox object store; the
	// raw payload is already persisted verbatim. What remains is
	// mention detection for the notification feed.
	localPrefix := fmt.Sprintf("https://%s/", p.Conf.Conf.SslDomain)
	if Mentions(raw, localPrefix) {
		p.notify(domain.NotifMention, activity, remoteActor)
	}
	return nil
}

func (p *Processor) applyUpdate(activity *Activity, raw []byte, remoteActor *domain.RemoteAccount) error {
	switch activity.ObjectType() {
	case "Person", "Service", "Application":
		// Profile update: force a cache refresh.
		if _, err := p.Resolver.fetchActor(activity.Actor); err != nil {
			return fmt.Errorf("failed to refresh updated actor: %w", err)
		}
	default:
		objectURI := activity.ObjectURI()
		err, existing := p.DB.ReadActivityByObjectURI(objectURI)
		if err != nil || existing == nil {
			p.log.Info("Update for unknown object, ignoring", "object", objectURI)
			return nil
		}
		// Replace the carried payload but keep the original Create row
		// identity; the Update activity itself is stored separately.
		existing.RawJSON = string(raw)
		if err := p.DB.UpdateActivity(existing); err != nil {
			return fmt.Errorf("failed to update stored object: %w", err)
		}
	}
	return nil
}

func (p *Processor) applyDelete(activity *Activity, remoteActor *domain.RemoteAccount) error {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return fmt.Errorf("%w: Delete without object", ErrMalformedPayload)
	}

	if objectURI == activity.Actor {
		// Actor self-deletion: drop the account and everything tied
		// to it.
		p.log.Info("actor deleted their account", "actor", activity.Actor)
		p.DB.DeleteFollowsByAccountId(remoteActor.Id)
		p.DB.DeleteActivitiesByActor(remoteActor.ActorURI)
		p.DB.DeleteRemoteAccount(remoteActor.Id)
		return nil
	}

	err, existing := p.DB.ReadActivityByObjectURI(objectURI)
	if err != nil || existing == nil {
		p.log.Info("Delete for unknown object, ignoring", "object", objectURI)
		return nil
	}
	if err := p.DB.DeleteActivity(existing.Id); err != nil {
		return fmt.Errorf("failed to delete stored object: %w", err)
	}
	return nil
}

func (p *Processor) applyAccept(activity *Activity, remoteActor *domain.RemoteAccount) error {
	followURI := activity.ObjectURI()
	if err := p.DB.AcceptFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	p.notify(domain.NotifFollowAccepted, activity, remoteActor)
	return nil
}

func (p *Processor) applyReject(activity *Activity, remoteActor *domain.RemoteAccount) error {
	followURI := activity.ObjectURI()
	if err := p.DB.DeleteFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to remove rejected follow: %w", err)
	}
	p.notify(domain.NotifFollowRejected, activity, remoteActor)
	return nil
}

func (p *Processor) applyBlock(activity *Activity, remoteActor *domain.RemoteAccount) error {
	// The remote actor blocked us: drop their follow relationship and
	// surface a notification.
	err, localAccount := p.DB.ReadLocalAccount()
	if err == nil && localAccount != nil {
		if err, follow := p.DB.ReadFollowByAccountIds(remoteActor.Id, localAccount.Id); err == nil && follow != nil {
			p.DB.DeleteFollowByURI(follow.URI)
		}
	}
	p.notify(domain.NotifBlocked, activity, remoteActor)
	return nil
}

func (p *Processor) applyMove(activity *Activity, remoteActor *domain.RemoteAccount) error {
	target := activity.Target
	if target == "" {
		target = activity.ObjectURI()
	}
	if target == "" {
		return fmt.Errorf("%w: Move without target", ErrMalformedPayload)
	}
	if err := p.DB.SetRemoteAccountMovedTo(remoteActor.ActorURI, target); err != nil {
		return fmt.Errorf("failed to record move: %w", err)
	}
	p.notify(domain.NotifMove, activity, remoteActor)
	return nil
}

// notify creates a notification unless the kind is disabled.
func (p *Processor) notify(kind string, activity *Activity, remoteActor *domain.RemoteAccount) {
	if !p.Conf.NotificationEnabled(kind) {
		return
	}
	notif := &domain.Notification{
		Id:          uuid.New(),
		Kind:        kind,
		ActivityURI: activity.ID,
		ActorURI:    remoteActor.ActorURI,
		CreatedAt:   time.Now(),
	}
	if err := p.DB.CreateNotification(notif); err != nil {
		p.log.Error("failed to create notification", "kind", kind, "err", err)
	}
}
