package activitypub

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/store"
)

// Deliverer sends signed activity documents to remote inboxes.
type Deliverer struct {
	signer *Signer
	client *http.Client
}

func NewDeliverer(signer *Signer) *Deliverer {
	return &Deliverer{
		signer: signer,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver POSTs the document to the inbox, signed with the site key.
func (d *Deliverer) Deliver(document []byte, inboxURL string) error {
	req, err := http.NewRequest("POST", inboxURL, bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "fedipage/1.0 ActivityPub")

	if err := d.signer.SignRequest(req, document); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}

// BroadcastOutcome records what happened to one follower during a run.
type BroadcastOutcome struct {
	ActorURI string
	Endpoint string
	Skipped  bool
	Err      error
}

// BroadcastResult aggregates the per-follower outcomes of one run.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Skipped   int
	Outcomes  []BroadcastOutcome
}

// Broadcaster fans a document out to every known follower, one at a
// time. Failures are isolated per follower and persisted on the
// follower record, never aborting the run.
type Broadcaster struct {
	store     *store.Store
	resolver  *Resolver
	deliverer *Deliverer

	// RetryFailed re-attempts followers whose lastError is set instead
	// of skipping them.
	RetryFailed bool
}

func NewBroadcaster(st *store.Store, resolver *Resolver, deliverer *Deliverer) *Broadcaster {
	return &Broadcaster{store: st, resolver: resolver, deliverer: deliverer}
}

// Broadcast loads all followers and signed-delivers the document to each
// of their endpoints, deduplicating shared inboxes within the run and
// skipping endpoints in the exclude list. Each follower's outcome is
// written back through a conditional update with the etag the record was
// read with, so a concurrent unfollow wins over stale bookkeeping.
func (b *Broadcaster) Broadcast(document []byte, exclude []string) (*BroadcastResult, error) {
	entities, err := b.store.QueryAll(domain.FollowersTable)
	if err != nil {
		return nil, fmt.Errorf("failed to load followers: %w", err)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, endpoint := range exclude {
		excluded[endpoint] = true
	}

	result := &BroadcastResult{}
	alreadySent := make(map[string]bool)

	for i := range entities {
		entity := &entities[i]
		follower := domain.FollowerFromEntity(entity)

		if follower.LastError != "" && !b.RetryFailed {
			log.Printf("Broadcast: Skipping %s, last error: %s", follower.ActorURI, follower.LastError)
			result.Skipped++
			result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Skipped: true})
			continue
		}

		actor, err := b.resolver.FetchActor(follower.ActorURI)
		if err != nil {
			b.recordFailure(follower, err)
			result.Failed++
			result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Err: err})
			continue
		}

		endpoint := actor.DeliveryEndpoint()

		if excluded[endpoint] {
			result.Skipped++
			result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Endpoint: endpoint, Skipped: true})
			continue
		}

		if alreadySent[endpoint] {
			// Another follower on the same shared inbox already got the
			// document this run; count this one as delivered.
			b.recordSuccess(follower)
			result.Delivered++
			result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Endpoint: endpoint})
			continue
		}

		if err := b.deliverer.Deliver(document, endpoint); err != nil {
			b.recordFailure(follower, err)
			result.Failed++
			result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Endpoint: endpoint, Err: err})
			continue
		}

		alreadySent[endpoint] = true
		b.recordSuccess(follower)
		result.Delivered++
		result.Outcomes = append(result.Outcomes, BroadcastOutcome{ActorURI: follower.ActorURI, Endpoint: endpoint})
	}

	return result, nil
}

func (b *Broadcaster) recordFailure(follower *domain.Follower, cause error) {
	log.Printf("Broadcast: Delivery to %s failed: %v", follower.ActorURI, cause)

	etag := follower.ETag
	follower.LastError = cause.Error()
	follower.LastErrorDate = time.Now().UTC()

	if err := b.store.ConditionalUpdate(domain.FollowersTable, follower.ToEntity(), etag); err != nil {
		// A concurrent unfollow or a parallel run got here first; the
		// record is not ours to update anymore.
		log.Printf("Broadcast: Could not record failure for %s: %v", follower.ActorURI, err)
	}
}

func (b *Broadcaster) recordSuccess(follower *domain.Follower) {
	etag := follower.ETag
	follower.LastError = ""
	follower.LastErrorDate = time.Time{}
	follower.LastSuccessDate = time.Now().UTC()

	if err := b.store.ConditionalUpdate(domain.FollowersTable, follower.ToEntity(), etag); err != nil {
		log.Printf("Broadcast: Could not record success for %s: %v", follower.ActorURI, err)
	}
}
