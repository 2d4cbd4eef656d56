package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Actor represents the JSON structure of a remote ActivityPub actor.
// Fetched actors are never persisted; every operation that needs one
// re-fetches it.
type Actor struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Url               string      `json:"url"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Followers         string      `json:"followers"`
	Following         string      `json:"following"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// DeliveryEndpoint returns the shared inbox when the actor advertises
// one, otherwise the personal inbox. Actors on the same host sharing
// one inbox then collapse to a single delivery target.
func (a *Actor) DeliveryEndpoint() string {
	if a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

// FetchError reports a failed actor fetch, naming the URL.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetching %s: status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Resolver fetches remote actor documents over signed GET requests.
type Resolver struct {
	signer *Signer
	client *http.Client
}

func NewResolver(signer *Signer) *Resolver {
	return &Resolver{
		signer: signer,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchDocument fetches any ActivityPub document with a signed GET and
// returns the raw body.
func (r *Resolver) FetchDocument(url string) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "fedipage/1.0 ActivityPub")

	if err := r.signer.SignRequest(req, nil); err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	return body, nil
}

// FetchActor fetches and parses an actor document. Missing optional
// fields (shared inbox, url, summary) are left empty.
func (r *Resolver) FetchActor(actorURI string) (*Actor, error) {
	body, err := r.FetchDocument(actorURI)
	if err != nil {
		return nil, err
	}

	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, &FetchError{URL: actorURI, Err: fmt.Errorf("failed to parse actor JSON: %w", err)}
	}

	if actor.ID == "" || actor.Inbox == "" {
		return nil, &FetchError{URL: actorURI, Err: fmt.Errorf("actor missing required fields")}
	}

	return &actor, nil
}
