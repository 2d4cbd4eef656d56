package publisher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/store"
)

// memStore collects uploads in memory
type memStore struct {
	uploads map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{uploads: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Upload(path string, data []byte, contentType string) error {
	m.uploads[path] = data
	m.types[path] = contentType
	return nil
}

func setupPublisher(t *testing.T) (*Publisher, *store.Store, *memStore) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, table := range []string{domain.FollowersTable, domain.RepliesTable, domain.StampsTable} {
		if err := st.CreateTableIfNotExists(table); err != nil {
			t.Fatalf("Failed to create table %s: %v", table, err)
		}
	}

	objects := newMemStore()
	return New(st, objects, "https://blog.example"), st, objects
}

func TestRegenerateFollowers(t *testing.T) {
	p, st, objects := setupPublisher(t)

	for _, uri := range []string{
		"https://a.example/users/bob",
		"https://b.example/users/carol",
	} {
		follower, err := domain.NewFollower(uri)
		if err != nil {
			t.Fatalf("NewFollower failed: %v", err)
		}
		if err := st.Add(domain.FollowersTable, follower.ToEntity()); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := p.RegenerateFollowers(); err != nil {
		t.Fatalf("RegenerateFollowers failed: %v", err)
	}

	data, ok := objects.uploads["socialweb/followers"]
	if !ok {
		t.Fatal("Followers document not uploaded")
	}
	if objects.types["socialweb/followers"] != "application/activity+json" {
		t.Errorf("Wrong content type: %s", objects.types["socialweb/followers"])
	}

	var page struct {
		Context    string   `json:"@context"`
		Type       string   `json:"type"`
		TotalItems int      `json:"totalItems"`
		Items      []string `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("Uploaded document is not valid JSON: %v", err)
	}

	if page.Type != "CollectionPage" {
		t.Errorf("Expected CollectionPage, got %s", page.Type)
	}
	if page.TotalItems != 2 || len(page.Items) != 2 {
		t.Errorf("Expected 2 items, got totalItems=%d len=%d", page.TotalItems, len(page.Items))
	}
	if page.Items[0] != "https://a.example/users/bob" {
		t.Errorf("Items not sorted: %v", page.Items)
	}
}

func TestRegenerateFollowersEmpty(t *testing.T) {
	p, _, objects := setupPublisher(t)

	if err := p.RegenerateFollowers(); err != nil {
		t.Fatalf("RegenerateFollowers failed: %v", err)
	}

	var page struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(objects.uploads["socialweb/followers"], &page); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if page.Items == nil {
		t.Error("Expected empty items array, not null")
	}
}

func TestRegenerateReplies(t *testing.T) {
	p, st, objects := setupPublisher(t)

	reply := &domain.Reply{
		Id:     "https://a.example/notes/1",
		NoteId: "https://blog.example/notes/42",
	}
	if err := st.Upsert(domain.RepliesTable, reply.ToEntity()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A reply to a different note must not show up
	other := &domain.Reply{
		Id:     "https://a.example/notes/2",
		NoteId: "https://blog.example/notes/7",
	}
	if err := st.Upsert(domain.RepliesTable, other.ToEntity()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := p.RegenerateReplies("https://blog.example/notes/42"); err != nil {
		t.Fatalf("RegenerateReplies failed: %v", err)
	}

	data, ok := objects.uploads["socialweb/replies/42"]
	if !ok {
		t.Fatal("Replies document not uploaded")
	}

	var page struct {
		Id     string   `json:"id"`
		PartOf string   `json:"partOf"`
		Items  []string `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if page.PartOf != "https://blog.example/socialweb/replies/42" {
		t.Errorf("Unexpected partOf: %s", page.PartOf)
	}
	if len(page.Items) != 1 || page.Items[0] != "https://a.example/notes/1" {
		t.Errorf("Unexpected items: %v", page.Items)
	}
}

func TestWriteStamp(t *testing.T) {
	p, _, objects := setupPublisher(t)

	stampId := "https://blog.example/socialweb/quotes/abc-def"
	err := p.WriteStamp(stampId,
		"https://blog.example/@blog",
		"https://a.example/notes/99",
		"https://blog.example/notes/42")
	if err != nil {
		t.Fatalf("WriteStamp failed: %v", err)
	}

	data, ok := objects.uploads["socialweb/quotes/abc-def"]
	if !ok {
		t.Fatalf("Stamp not uploaded, got paths: %v", objects.uploads)
	}

	var stamp struct {
		Type              string `json:"type"`
		Id                string `json:"id"`
		AttributedTo      string `json:"attributedTo"`
		InteractingObject string `json:"interactingObject"`
		InteractionTarget string `json:"interactionTarget"`
	}
	if err := json.Unmarshal(data, &stamp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if stamp.Type != "QuoteAuthorization" {
		t.Errorf("Expected QuoteAuthorization, got %s", stamp.Type)
	}
	if stamp.Id != stampId {
		t.Errorf("Unexpected id: %s", stamp.Id)
	}
	if stamp.InteractingObject != "https://a.example/notes/99" {
		t.Errorf("Unexpected interactingObject: %s", stamp.InteractingObject)
	}
	if stamp.InteractionTarget != "https://blog.example/notes/42" {
		t.Errorf("Unexpected interactionTarget: %s", stamp.InteractionTarget)
	}
}

func TestDirStoreUpload(t *testing.T) {
	root := t.TempDir()
	d := NewDirStore(root)

	if err := d.Upload("socialweb/replies/42", []byte(`{}`), "application/activity+json"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "socialweb", "replies", "42"))
	if err != nil {
		t.Fatalf("Uploaded file missing: %v", err)
	}
	if string(data) != `{}` {
		t.Errorf("Unexpected file content: %s", data)
	}
}
