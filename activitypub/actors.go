package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
)

const (
	// ActorCacheTTL is how long a cached actor is considered fresh.
	ActorCacheTTL = 24 * time.Hour

	// ActorMaxStaleness bounds stale-while-revalidate: beyond this age
	// a cached actor is treated as invalid even if the refresh fails.
	ActorMaxStaleness = 7 * 24 * time.Hour
)

// Resolver resolves actor IRIs and webfinger-style handles to cached
// actor documents.
type Resolver struct {
	DB     *db.DB
	Client *http.Client

	log *log.Logger
}

func NewResolver(database *db.DB) *Resolver {
	return &Resolver{
		DB:     database,
		Client: &http.Client{Timeout: 10 * time.Second},
		log:    log.WithPrefix("resolver"),
	}
}

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolve returns the actor for an IRI or a webfinger handle
// ("user@example.com" or "@user@example.com"). Cached entries are
// served while fresh; expired entries are refreshed, falling back to
// the stale row when the refresh fails, up to the maximum staleness.
func (r *Resolver) Resolve(iriOrHandle string) (*domain.RemoteAccount, error) {
	actorURI := iriOrHandle
	if !strings.HasPrefix(iriOrHandle, "http://") && !strings.HasPrefix(iriOrHandle, "https://") {
		resolved, err := r.ResolveHandle(iriOrHandle)
		if err != nil {
			return nil, err
		}
		actorURI = resolved
	}

	err, cached := r.DB.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil {
		age := time.Since(cached.LastFetchedAt)
		if age < ActorCacheTTL {
			return cached, nil
		}

		fresh, fetchErr := r.fetchActor(actorURI)
		if fetchErr == nil {
			return fresh, nil
		}

		// Refresh failed. Serve the stale row so a remote outage does
		// not block verification for previously-seen actors, but only
		// within the staleness bound.
		if age < ActorMaxStaleness {
			r.log.Warn("serving stale actor after failed refresh", "actor", actorURI, "age", age, "err", fetchErr)
			return cached, nil
		}
		return nil, fmt.Errorf("actor %s too stale (%s) and refresh failed: %w", actorURI, age, fetchErr)
	}

	return r.fetchActor(actorURI)
}

// ResolveHandle resolves a "user@domain" handle to the canonical actor
// IRI via the domain's webfinger endpoint.
func (r *Resolver) ResolveHandle(handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid handle: %s", handle)
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		parts[1], url.QueryEscape("acct:"+handle))

	req, err := http.NewRequest("GET", wfURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger lookup failed with status: %d", resp.StatusCode)
	}

	var wf struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&wf); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && link.Type == ContentType {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no self link in webfinger response for %s", handle)
}

// fetchActor fetches the actor document and stores it in the cache.
func (r *Resolver) fetchActor(actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	// The block flag lives on the existing row, not the fetched
	// document; preserve it across refreshes.
	blocked := false
	if err, existing := r.DB.ReadRemoteAccountByURI(actor.ID); err == nil && existing != nil {
		blocked = existing.Blocked
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		Blocked:        blocked,
		LastFetchedAt:  time.Now(),
	}

	if err := r.DB.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	// The upsert keeps the original row id on refresh; read it back so
	// callers see the live row.
	if err, stored := r.DB.ReadRemoteAccountByURI(actor.ID); err == nil && stored != nil {
		return stored, nil
	}
	return remoteAcc, nil
}

// FetchObject fetches an arbitrary AS2 object from its authoritative
// IRI. Used as the slow verification fallback for unsigned requests.
func (r *Resolver) FetchObject(objectURI string) ([]byte, error) {
	req, err := http.NewRequest("GET", objectURI, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("object fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object fetch failed with status: %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
}

// extractDomain extracts the domain from an actor URI.
// "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}
