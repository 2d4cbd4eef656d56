// Package publisher regenerates the public collection documents
// (followers, replies, quote stamps) from the table store and uploads
// them as content-addressed objects. Documents are always rebuilt as
// full snapshots, never patched.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"

	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/store"
	"github.com/fedipage/fedipage/util"
)

const contentType = "application/activity+json"

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Publisher reads the collection tables and writes the derived
// documents. It owns the documents; the records stay with the store.
type Publisher struct {
	store   *store.Store
	objects ObjectStore
	domain  string
}

func New(st *store.Store, objects ObjectStore, domain string) *Publisher {
	return &Publisher{store: st, objects: objects, domain: domain}
}

type followersPage struct {
	Context    string   `json:"@context"`
	Id         string   `json:"id"`
	Type       string   `json:"type"`
	TotalItems int      `json:"totalItems"`
	PartOf     string   `json:"partOf"`
	Items      []string `json:"items"`
}

type repliesPage struct {
	Context string   `json:"@context"`
	Id      string   `json:"id"`
	PartOf  string   `json:"partOf"`
	Type    string   `json:"type"`
	Items   []string `json:"items"`
}

// RegenerateFollowers rebuilds the followers page from every follower
// row and overwrites it at the fixed followers path.
func (p *Publisher) RegenerateFollowers() error {
	entities, err := p.store.QueryAll(domain.FollowersTable)
	if err != nil {
		return fmt.Errorf("failed to load followers: %w", err)
	}

	items := make([]string, 0, len(entities))
	for i := range entities {
		items = append(items, domain.FollowerFromEntity(&entities[i]).ActorURI)
	}
	sort.Strings(items)

	page := followersPage{
		Context:    activityStreamsContext,
		Id:         fmt.Sprintf("%s/socialweb/followers", p.domain),
		Type:       "CollectionPage",
		TotalItems: len(items),
		PartOf:     fmt.Sprintf("%s/socialweb/followers", p.domain),
		Items:      items,
	}

	document, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to build followers page: %w", err)
	}

	log.Printf("Publisher: Regenerating followers collection, %d items", len(items))

	return p.objects.Upload("socialweb/followers", document, contentType)
}

// RegenerateReplies rebuilds the replies page of one note from the
// note's reply partition.
func (p *Publisher) RegenerateReplies(noteUrl string) error {
	noteId := util.LastPathSegment(noteUrl)

	entities, err := p.store.Query(domain.RepliesTable, noteId)
	if err != nil {
		return fmt.Errorf("failed to load replies for %s: %w", noteId, err)
	}

	items := make([]string, 0, len(entities))
	for i := range entities {
		items = append(items, domain.ReplyFromEntity(&entities[i]).Id)
	}
	sort.Strings(items)

	page := repliesPage{
		Context: activityStreamsContext,
		Id:      fmt.Sprintf("%s/socialweb/replies/%s?page=true", p.domain, noteId),
		PartOf:  fmt.Sprintf("%s/socialweb/replies/%s", p.domain, noteId),
		Type:    "CollectionPage",
		Items:   items,
	}

	document, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to build replies page: %w", err)
	}

	log.Printf("Publisher: Regenerating replies collection for note %s, %d items", noteId, len(items))

	return p.objects.Upload(fmt.Sprintf("socialweb/replies/%s", noteId), document, contentType)
}

type stampDocument struct {
	Context           []interface{} `json:"@context"`
	Type              string        `json:"type"`
	Id                string        `json:"id"`
	AttributedTo      string        `json:"attributedTo"`
	InteractingObject string        `json:"interactingObject"`
	InteractionTarget string        `json:"interactionTarget"`
}

// WriteStamp emits one quote-authorization document at the path encoded
// in the stamp id. Stamps are immutable in content; overwriting on a
// collision is harmless.
func (p *Publisher) WriteStamp(stampId, actor, quotingUrl, quotedUrl string) error {
	stamp := stampDocument{
		Context: []interface{}{
			activityStreamsContext,
			map[string]interface{}{
				"QuoteAuthorization": "https://w3id.org/fep/044f#QuoteAuthorization",
				"gts":                "https://gotosocial.org/ns#",
				"interactingObject": map[string]interface{}{
					"@id":   "gts:interactingObject",
					"@type": "@id",
				},
				"interactionTarget": map[string]interface{}{
					"@id":   "gts:interactionTarget",
					"@type": "@id",
				},
			},
		},
		Type:              "QuoteAuthorization",
		Id:                stampId,
		AttributedTo:      actor,
		InteractingObject: quotingUrl,
		InteractionTarget: quotedUrl,
	}

	document, err := json.MarshalIndent(stamp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to build stamp document: %w", err)
	}

	parsed, err := url.Parse(stampId)
	if err != nil {
		return fmt.Errorf("invalid stamp id %s: %w", stampId, err)
	}

	log.Printf("Publisher: Writing quote stamp %s", stampId)

	return p.objects.Upload(strings.TrimPrefix(parsed.Path, "/"), document, contentType)
}
