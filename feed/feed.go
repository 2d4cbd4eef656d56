// Package feed converts a published RSS feed into static ActivityPub
// documents: one note per item, a Create activity wrapping each note,
// and an OrderedCollection outbox listing them.
package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fedipage/fedipage/publisher"
	"github.com/fedipage/fedipage/util"
	"github.com/mmcdole/gofeed"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// DefaultContentTemplate renders a note when no template is configured.
// Placeholders: {title}, {description}, {link}, {author}, {tags},
// {content}.
const DefaultContentTemplate = "<p>{title}</p><p>{description}</p><p> Link: <a href='{link}'>{link}</a> by {author}:</p><p>{tags}</p>"

const (
	notesPath   = "socialweb/notes"
	outboxPath  = "socialweb/outbox"
	repliesPath = "socialweb/replies"
)

// Options configures the conversion of one feed.
type Options struct {
	// BaseDomain is the site root, ex. https://blog.example
	BaseDomain string

	// SiteActorURI is the publishing actor, ex. https://blog.example/@blog
	SiteActorURI string

	// AuthorUsername is the human author's fediverse handle,
	// ex. @mapache@hachyderm.io
	AuthorUsername string

	// AuthorURL overrides the author profile URL guessed from the
	// username.
	AuthorURL string

	// ContentTemplate overrides DefaultContentTemplate.
	ContentTemplate string
}

// NoteTag is a hashtag or mention attached to a note.
type NoteTag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

type repliesFirstPage struct {
	Type   string   `json:"type"`
	Next   string   `json:"next"`
	PartOf string   `json:"partOf"`
	Items  []string `json:"items"`
}

type repliesStub struct {
	ID    string           `json:"id"`
	Type  string           `json:"type"`
	First repliesFirstPage `json:"first"`
}

// NoteDocument is the static note written for one feed item. The
// embedded replies collection starts empty; the inbox regenerates it
// when replies arrive.
type NoteDocument struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Hash         string      `json:"hash"`
	Content      string      `json:"content"`
	Url          string      `json:"url"`
	AttributedTo string      `json:"attributedTo"`
	To           []string    `json:"to"`
	Cc           []string    `json:"cc"`
	Published    string      `json:"published"`
	Tag          []NoteTag   `json:"tag"`
	Replies      repliesStub `json:"replies"`
}

// CreateDocument wraps a note in its Create activity.
type CreateDocument struct {
	Context   interface{}   `json:"@context"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor"`
	To        []string      `json:"to"`
	Cc        []string      `json:"cc"`
	Published string        `json:"published"`
	Object    *NoteDocument `json:"object"`
}

// OutboxDocument is the OrderedCollection of all Create activities.
type OutboxDocument struct {
	Context      interface{}       `json:"@context"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Summary      string            `json:"summary"`
	TotalItems   int               `json:"totalItems"`
	OrderedItems []*CreateDocument `json:"orderedItems"`
}

// ParseAuthor splits a fediverse handle like @mapache@hachyderm.io into
// its user and host parts.
func ParseAuthor(username string) (user, host string, err error) {
	parts := strings.Split(username, "@")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("author username must look like @user@host, got %s", username)
	}
	return parts[1], parts[2], nil
}

// HashtagAnchor renders a Mastodon-style hashtag link.
func HashtagAnchor(tag, link string) string {
	return fmt.Sprintf(`<a href="%s" class="mention hashtag" rel="tag">#<span>%s</span></a>`, link, tag)
}

// MentionAnchor renders a Mastodon-style mention link.
func MentionAnchor(name, link string) string {
	return fmt.Sprintf(`<a href="%s" class="u-url mention">@<span>%s</span></a>`, link, name)
}

// authorURL resolves the author's profile URL, guessing the common
// /users/ layout when no explicit URL is configured.
func (o *Options) authorURL() (string, error) {
	if o.AuthorURL != "" {
		return o.AuthorURL, nil
	}
	user, host, err := ParseAuthor(o.AuthorUsername)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s/users/%s", host, user), nil
}

func (o *Options) template() string {
	if o.ContentTemplate != "" {
		return o.ContentTemplate
	}
	return DefaultContentTemplate
}

// renderContent fills the content template for one item.
func renderContent(item *gofeed.Item, opts *Options) (string, error) {
	authorUser, _, err := ParseAuthor(opts.AuthorUsername)
	if err != nil {
		return "", err
	}
	authorLink, err := opts.authorURL()
	if err != nil {
		return "", err
	}

	baseTagUrl := opts.BaseDomain + "/tags"
	var tags strings.Builder
	for _, tag := range item.Categories {
		tags.WriteString(" ")
		tags.WriteString(HashtagAnchor(tag, baseTagUrl+"/"+tag))
	}

	description := strings.Replace(item.Description, "\n", "</p><p>", -1)

	content := item.Content
	if content == "" {
		content = description
	}

	replacer := strings.NewReplacer(
		"{title}", item.Title,
		"{description}", description,
		"{link}", item.Link,
		"{author}", MentionAnchor(authorUser, authorLink),
		"{tags}", tags.String(),
		"{content}", content,
	)
	return replacer.Replace(opts.template()), nil
}

// publishedDate prefers the parsed date in RFC3339; a date the parser
// couldn't read is passed through as-is.
func publishedDate(item *gofeed.Item) string {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.Format(time.RFC3339)
	}
	return item.Published
}

// buildNote turns one feed item into its static note document.
func buildNote(item *gofeed.Item, opts *Options) (*NoteDocument, error) {
	content, err := renderContent(item, opts)
	if err != nil {
		return nil, err
	}

	authorLink, err := opts.authorURL()
	if err != nil {
		return nil, err
	}

	tags := []NoteTag{
		{Type: "Mention", Href: authorLink, Name: opts.AuthorUsername},
	}
	baseTagUrl := opts.BaseDomain + "/tags"
	for _, tag := range item.Categories {
		tags = append(tags, NoteTag{
			Type: "Hashtag",
			Href: baseTagUrl + "/" + tag,
			Name: "#" + tag,
		})
	}

	hash := util.Md5Hash(item.Link)
	repliesId := fmt.Sprintf("%s/%s/%s", opts.BaseDomain, repliesPath, hash)

	return &NoteDocument{
		Context:      activityStreamsContext,
		ID:           fmt.Sprintf("%s/%s/%s", opts.BaseDomain, notesPath, hash),
		Type:         "Note",
		Hash:         hash,
		Content:      content,
		Url:          item.Link,
		AttributedTo: opts.SiteActorURI,
		To:           []string{"https://www.w3.org/ns/activitystreams#Public"},
		Cc:           []string{},
		Published:    publishedDate(item),
		Tag:          tags,
		Replies: repliesStub{
			ID:   repliesId,
			Type: "Collection",
			First: repliesFirstPage{
				Type:   "CollectionPage",
				Next:   repliesId + "?page=true",
				PartOf: repliesId,
				Items:  []string{},
			},
		},
	}, nil
}

// buildCreate wraps a note into the Create activity listed in the
// outbox.
func buildCreate(note *NoteDocument, opts *Options) *CreateDocument {
	return &CreateDocument{
		Context:   activityStreamsContext,
		ID:        note.ID + "/create",
		Type:      "Create",
		Actor:     opts.SiteActorURI,
		To:        []string{"https://www.w3.org/ns/activitystreams#Public"},
		Cc:        []string{},
		Published: note.Published,
		Object:    note,
	}
}

// Generate reads the RSS file, writes one note document per item and
// the outbox document through the object store, and returns the outbox.
func Generate(rssPath string, objects publisher.ObjectStore, opts Options) (*OutboxDocument, error) {
	file, err := os.Open(rssPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open RSS feed: %w", err)
	}
	defer file.Close()

	parsed, err := gofeed.NewParser().Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSS feed: %w", err)
	}

	orderedItems := make([]*CreateDocument, 0, len(parsed.Items))

	for _, item := range parsed.Items {
		if item.Link == "" {
			return nil, fmt.Errorf("feed item %q has no link", item.Title)
		}

		note, err := buildNote(item, &opts)
		if err != nil {
			return nil, err
		}

		data, err := json.MarshalIndent(note, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal note %s: %w", note.ID, err)
		}
		if err := objects.Upload(notesPath+"/"+note.Hash, data, "application/activity+json"); err != nil {
			return nil, fmt.Errorf("failed to write note %s: %w", note.Hash, err)
		}

		orderedItems = append(orderedItems, buildCreate(note, &opts))
	}

	summary := parsed.Description
	if summary == "" {
		summary = fmt.Sprintf("Outbox for %s blog", opts.AuthorUsername)
	}

	outbox := &OutboxDocument{
		Context:      activityStreamsContext,
		ID:           fmt.Sprintf("%s/%s", opts.BaseDomain, outboxPath),
		Type:         "OrderedCollection",
		Summary:      summary,
		TotalItems:   len(orderedItems),
		OrderedItems: orderedItems,
	}

	data, err := json.MarshalIndent(outbox, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox: %w", err)
	}
	if err := objects.Upload(outboxPath, data, "application/activity+json"); err != nil {
		return nil, fmt.Errorf("failed to write outbox: %w", err)
	}

	return outbox, nil
}
