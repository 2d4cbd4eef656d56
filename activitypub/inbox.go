package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/store"
	"github.com/fedipage/fedipage/util"
	"github.com/google/uuid"
)

// ErrNotImplemented marks activity types the inbox explicitly refuses.
var ErrNotImplemented = errors.New("activity type not implemented")

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// InboxMessage is the inbound activity envelope. The object field stays
// raw until the type-specific handler decides how to decode it.
type InboxMessage struct {
	Context    interface{}     `json:"@context"`
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Actor      string          `json:"actor"`
	Object     json.RawMessage `json:"object"`
	Published  string          `json:"published,omitempty"`
	To         []string        `json:"to,omitempty"`
	Cc         []string        `json:"cc,omitempty"`
	Instrument *Instrument     `json:"instrument,omitempty"`
}

// Instrument references the quoting post of a QuoteRequest.
type Instrument struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Note is the object shape of a Create activity.
type Note struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	InReplyTo    string `json:"inReplyTo"`
	AttributedTo string `json:"attributedTo"`
	Published    string `json:"published"`
}

// ObjectRef is the decoded form of an activity's object field: either a
// plain URI reference or an embedded document.
type ObjectRef struct {
	URI string
	Raw json.RawMessage
}

// decodeObject inspects the raw object field and classifies it.
func decodeObject(raw json.RawMessage) (*ObjectRef, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("activity has no object")
	}

	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return &ObjectRef{URI: uri}, nil
	}

	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &embedded); err != nil {
		return nil, fmt.Errorf("failed to parse activity object: %w", err)
	}
	return &ObjectRef{URI: embedded.ID, Raw: raw}, nil
}

// AcceptActivity is the response sent back for Follow, Undo and
// QuoteRequest activities.
type AcceptActivity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	To      string      `json:"to,omitempty"`
	Object  interface{} `json:"object"`
	Result  string      `json:"result,omitempty"`
}

// CollectionPublisher regenerates the derived public documents after a
// store mutation.
type CollectionPublisher interface {
	RegenerateFollowers() error
	RegenerateReplies(noteId string) error
	WriteStamp(stampId, actor, quotingUrl, quotedUrl string) error
}

// Inbox classifies an inbound activity and runs the matching handler.
// No state survives between invocations; all side effects land in the
// store and in outbound signed requests.
type Inbox struct {
	conf      *util.AppConfig
	store     *store.Store
	resolver  *Resolver
	deliverer *Deliverer
	publisher CollectionPublisher
}

func NewInbox(conf *util.AppConfig, st *store.Store, resolver *Resolver, deliverer *Deliverer, publisher CollectionPublisher) *Inbox {
	return &Inbox{
		conf:      conf,
		store:     st,
		resolver:  resolver,
		deliverer: deliverer,
		publisher: publisher,
	}
}

// Handle processes one inbound activity body. A malformed body or an
// explicitly unimplemented type fails the request; unknown types are
// accepted and ignored.
func (in *Inbox) Handle(body []byte) error {
	var message InboxMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return fmt.Errorf("failed to parse activity: %w", err)
	}

	log.Printf("Inbox: Received %s from %s", message.Type, message.Actor)

	switch message.Type {
	case "Follow":
		return in.handleFollow(&message)
	case "Undo":
		return in.handleUndo(&message, body)
	case "Create":
		return in.handleCreate(&message)
	case "QuoteRequest":
		return in.handleQuoteRequest(&message)
	case "Delete":
		return fmt.Errorf("%w: Delete", ErrNotImplemented)
	default:
		log.Printf("Inbox: Ignoring unsupported activity type: %s", message.Type)
		return nil
	}
}

// handleFollow records the follower, sends the Accept back to the
// requesting actor and regenerates the followers collection.
func (in *Inbox) handleFollow(message *InboxMessage) error {
	object, err := decodeObject(message.Object)
	if err != nil {
		return fmt.Errorf("failed to parse Follow activity: %w", err)
	}
	target := object.URI

	if err := in.createFollower(message.Actor); err != nil {
		return err
	}

	actor, err := in.resolver.FetchActor(message.Actor)
	if err != nil {
		return fmt.Errorf("failed to fetch actor: %w", err)
	}

	accept := AcceptActivity{
		Context: activityStreamsContext,
		ID:      fmt.Sprintf("%s#accepts/follows/%s", target, actor.ID),
		Type:    "Accept",
		Actor:   target,
		Object: map[string]interface{}{
			"id":     message.ID,
			"type":   "Follow",
			"actor":  actor.Url,
			"object": target,
		},
	}

	document, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to build Accept: %w", err)
	}

	log.Printf("Inbox: Sending accept request to %s", actor.Inbox)
	if err := in.deliverer.Deliver(document, actor.Inbox); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	return in.publisher.RegenerateFollowers()
}

// handleUndo interprets the Undo as an unfollow: the follower record is
// removed, the Undo is echoed back inside an Accept, and the followers
// collection is regenerated.
func (in *Inbox) handleUndo(message *InboxMessage, body []byte) error {
	if err := in.deleteFollower(message.Actor); err != nil {
		return err
	}

	log.Printf("Inbox: Fetching actor information from %s", message.Actor)
	actor, err := in.resolver.FetchActor(message.Actor)
	if err != nil {
		return fmt.Errorf("failed to fetch actor: %w", err)
	}

	accept := AcceptActivity{
		Context: activityStreamsContext,
		ID:      fmt.Sprintf("%s/%s", in.conf.Conf.BaseDomain, uuid.NewString()),
		Type:    "Accept",
		Actor:   in.conf.ActorURI(),
		Object:  json.RawMessage(body),
	}

	document, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to build Accept: %w", err)
	}

	log.Printf("Inbox: Sending accept request to %s", actor.Inbox)
	if err := in.deliverer.Deliver(document, actor.Inbox); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	return in.publisher.RegenerateFollowers()
}

// handleCreate records a reply when the created Note answers one of our
// notes. Anything else is ignored; a malformed nested note is logged
// and dropped so one bad activity cannot fail the whole inbox.
func (in *Inbox) handleCreate(message *InboxMessage) error {
	if len(message.Object) == 0 {
		return fmt.Errorf("Create activity has no object")
	}

	var note Note
	if err := json.Unmarshal(message.Object, &note); err != nil {
		log.Printf("Inbox: Ignoring Create with malformed object: %v", err)
		return nil
	}

	// Only replies to our own notes are recorded
	if note.InReplyTo == "" || !strings.HasPrefix(note.InReplyTo, in.conf.Conf.BaseDomain) {
		return nil
	}

	if err := in.store.CreateTableIfNotExists(domain.RepliesTable); err != nil {
		return err
	}

	reply := &domain.Reply{Id: note.ID, NoteId: note.InReplyTo}

	// Upsert keeps re-delivery idempotent: the same reply id hashes to
	// the same row key and simply overwrites.
	if err := in.store.Upsert(domain.RepliesTable, reply.ToEntity()); err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}

	log.Printf("Inbox: Recorded reply %s to %s", note.ID, note.InReplyTo)

	return in.publisher.RegenerateReplies(note.InReplyTo)
}

// handleQuoteRequest auto-approves the quote request: it answers with an
// Accept carrying a freshly minted quote-stamp id and, when the request
// names its quoting post, persists and publishes the stamp. Like
// handleCreate, a malformed nested object is logged and dropped.
func (in *Inbox) handleQuoteRequest(message *InboxMessage) error {
	object, err := decodeObject(message.Object)
	if err != nil {
		log.Printf("Inbox: Ignoring QuoteRequest with malformed object: %v", err)
		return nil
	}
	quotedUrl := object.URI
	if quotedUrl == "" {
		log.Printf("Inbox: Ignoring QuoteRequest without an object URL")
		return nil
	}

	objectId := uuid.NewString()
	acceptId := fmt.Sprintf("%s/activities/accept/%s", in.conf.Conf.BaseDomain, objectId)
	stampId := fmt.Sprintf("%s/socialweb/quotes/%s", in.conf.Conf.BaseDomain, objectId)

	accept := AcceptActivity{
		Context: []interface{}{
			activityStreamsContext,
			map[string]interface{}{
				"QuoteRequest": "https://w3id.org/fep/044f#QuoteRequest",
			},
		},
		ID:     acceptId,
		Type:   "Accept",
		Actor:  in.conf.ActorURI(),
		To:     message.Actor,
		Object: message,
		Result: stampId,
	}

	document, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to build Accept: %w", err)
	}

	actor, err := in.resolver.FetchActor(message.Actor)
	if err != nil {
		return fmt.Errorf("failed to fetch actor: %w", err)
	}

	log.Printf("Inbox: Sending accept response to %s", actor.Inbox)
	if err := in.deliverer.Deliver(document, actor.Inbox); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	if message.Instrument == nil || message.Instrument.ID == "" {
		return nil
	}

	if err := in.store.CreateTableIfNotExists(domain.StampsTable); err != nil {
		return err
	}

	stamp := &domain.Stamp{
		Id:              stampId,
		QuotedObjectUrl: quotedUrl,
		Actor:           message.Actor,
		QuoteRequestId:  message.ID,
	}

	// Stamps are immutable in content, so an overwrite on collision is fine
	if err := in.store.Upsert(domain.StampsTable, stamp.ToEntity()); err != nil {
		return fmt.Errorf("failed to record stamp: %w", err)
	}

	return in.publisher.WriteStamp(stampId, in.conf.ActorURI(), message.Instrument.ID, quotedUrl)
}

// createFollower inserts the follower record; an existing record makes
// the Follow a no-op.
func (in *Inbox) createFollower(actorURI string) error {
	if err := in.store.CreateTableIfNotExists(domain.FollowersTable); err != nil {
		return err
	}

	follower, err := domain.NewFollower(actorURI)
	if err != nil {
		return err
	}

	log.Printf("Inbox: Follow request from: %s", actorURI)

	err = in.store.Add(domain.FollowersTable, follower.ToEntity())
	if errors.Is(err, store.ErrEntityExists) {
		log.Printf("Inbox: Follower already exists")
		return nil
	}
	return err
}

// deleteFollower removes the follower record; a missing record makes
// the Undo a no-op.
func (in *Inbox) deleteFollower(actorURI string) error {
	if err := in.store.CreateTableIfNotExists(domain.FollowersTable); err != nil {
		return err
	}

	follower, err := domain.NewFollower(actorURI)
	if err != nil {
		return err
	}

	log.Printf("Inbox: Unfollow request from: %s", actorURI)

	partitionKey, rowKey := follower.Keys()
	return in.store.Delete(domain.FollowersTable, partitionKey, rowKey)
}
