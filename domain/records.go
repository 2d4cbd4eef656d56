// Package domain holds the persistent records the inbox and the
// broadcast loop keep in the table store, and their mapping onto store
// entities. Row keys are md5 hashes of the record's URI, so the same
// follower, reply or stamp always maps to the same row.
package domain

import (
	"fmt"
	"time"

	"github.com/fedipage/fedipage/store"
	"github.com/fedipage/fedipage/util"
)

// Table names used by the inbox and the broadcast loop.
const (
	FollowersTable = "followers"
	RepliesTable   = "replies"
	StampsTable    = "stamps"
)

// Follower is one remote account following the site actor. Partitioned
// by the actor's host; at most one record exists per actor URI.
type Follower struct {
	ActorURI        string
	LastError       string
	LastErrorDate   time.Time
	LastSuccessDate time.Time

	// ETag is the store concurrency token read together with the record.
	ETag string
}

// NewFollower builds the record for an actor URI.
func NewFollower(actorURI string) (*Follower, error) {
	if _, err := util.HostOf(actorURI); err != nil {
		return nil, fmt.Errorf("invalid actor URI %s: %w", actorURI, err)
	}
	return &Follower{ActorURI: actorURI}, nil
}

// Keys returns the (partitionKey, rowKey) pair of the record.
func (f *Follower) Keys() (string, string) {
	host, _ := util.HostOf(f.ActorURI)
	return host, util.Md5Hash(f.ActorURI)
}

func (f *Follower) ToEntity() *store.Entity {
	partitionKey, rowKey := f.Keys()
	return &store.Entity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		ETag:         f.ETag,
		Props: map[string]string{
			"actorUri":        f.ActorURI,
			"lastError":       f.LastError,
			"lastErrorDate":   formatDate(f.LastErrorDate),
			"lastSuccessDate": formatDate(f.LastSuccessDate),
		},
	}
}

func FollowerFromEntity(e *store.Entity) *Follower {
	return &Follower{
		ActorURI:        e.Prop("actorUri"),
		LastError:       e.Prop("lastError"),
		LastErrorDate:   parseDate(e.Prop("lastErrorDate")),
		LastSuccessDate: parseDate(e.Prop("lastSuccessDate")),
		ETag:            e.ETag,
	}
}

// Reply is a remote note replying to a locally-owned note. Partitioned
// by the local note's id (its last path segment); keyed by the reply's
// own id so re-delivery overwrites instead of duplicating.
type Reply struct {
	Id     string // the remote reply's id
	NoteId string // the local note being replied to
}

func (r *Reply) Keys() (string, string) {
	return util.LastPathSegment(r.NoteId), util.Md5Hash(r.Id)
}

func (r *Reply) ToEntity() *store.Entity {
	partitionKey, rowKey := r.Keys()
	return &store.Entity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Props: map[string]string{
			"id":     r.Id,
			"noteId": r.NoteId,
		},
	}
}

func ReplyFromEntity(e *store.Entity) *Reply {
	return &Reply{
		Id:     e.Prop("id"),
		NoteId: e.Prop("noteId"),
	}
}

// Stamp is an approved quote-post authorization. Partitioned by the
// quoted object's last path segment.
type Stamp struct {
	Id              string // the stamp's own URI
	QuotedObjectUrl string
	Actor           string
	QuoteRequestId  string
}

func (s *Stamp) Keys() (string, string) {
	return util.LastPathSegment(s.QuotedObjectUrl), util.Md5Hash(s.Id)
}

func (s *Stamp) ToEntity() *store.Entity {
	partitionKey, rowKey := s.Keys()
	return &store.Entity{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Props: map[string]string{
			"id":              s.Id,
			"quotedObjectUrl": s.QuotedObjectUrl,
			"actor":           s.Actor,
			"quoteRequestId":  s.QuoteRequestId,
		},
	}
}

func StampFromEntity(e *store.Entity) *Stamp {
	return &Stamp{
		Id:              e.Prop("id"),
		QuotedObjectUrl: e.Prop("quotedObjectUrl"),
		Actor:           e.Prop("actor"),
		QuoteRequestId:  e.Prop("quoteRequestId"),
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
