// Command boost announces recent original notes from another account to
// this site's followers, tracking what was already boosted in a local
// file.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fedipage/fedipage/activitypub"
	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/store"
	"github.com/fedipage/fedipage/util"
	"github.com/google/uuid"
)

type outboxPage struct {
	First        json.RawMessage   `json:"first"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

type outboxItem struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

func main() {
	account := flag.String("account", "", "actor URI to boost posts from")
	boostedFile := flag.String("boosted-file", "boosted.txt", "file tracking already-boosted note URIs")
	max := flag.Int("max", 1, "maximum number of notes to boost per run")
	flag.Parse()

	if *account == "" {
		flag.Usage()
		os.Exit(2)
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	privatePem, err := os.ReadFile(util.ResolveFilePath(conf.Conf.PrivateKeyFile))
	if err != nil {
		log.Fatalf("Boost: Failed to read private key: %v", err)
	}

	signer, err := activitypub.NewSigner(string(privatePem), conf.SigningKeyId())
	if err != nil {
		log.Fatalln(err)
	}

	resolver := activitypub.NewResolver(signer)

	boosted, err := readBoosted(*boostedFile)
	if err != nil {
		log.Fatalln(err)
	}

	notes, err := collectNotes(resolver, *account, boosted)
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("Boost: Found %d new note(s) eligible to boost (max: %d)", len(notes), *max)
	if len(notes) == 0 {
		return
	}
	if len(notes) > *max {
		notes = notes[:*max]
	}

	st, err := store.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatalln(err)
	}
	defer st.Close()

	if err := st.CreateTableIfNotExists(domain.FollowersTable); err != nil {
		log.Fatalln(err)
	}

	broadcaster := activitypub.NewBroadcaster(st, resolver, activitypub.NewDeliverer(signer))
	actor := conf.ActorURI()

	for _, noteURI := range notes {
		announce := map[string]interface{}{
			"@context":  "https://www.w3.org/ns/activitystreams",
			"id":        fmt.Sprintf("%s#boosts/%s", actor, uuid.NewString()),
			"type":      "Announce",
			"actor":     actor,
			"published": time.Now().UTC().Format(time.RFC3339),
			"to":        []string{"https://www.w3.org/ns/activitystreams#Public"},
			"cc":        []string{actor + "/followers", *account},
			"object":    noteURI,
		}

		document, err := json.Marshal(announce)
		if err != nil {
			log.Fatalf("Boost: Failed to build Announce: %v", err)
		}

		log.Printf("Boost: Announcing %s", noteURI)

		result, err := broadcaster.Broadcast(document, nil)
		if err != nil {
			log.Fatalln(err)
		}
		log.Printf("Boost: Delivered %d, failed %d, skipped %d",
			result.Delivered, result.Failed, result.Skipped)

		if err := markBoosted(*boostedFile, noteURI); err != nil {
			log.Fatalln(err)
		}
	}
}

// collectNotes fetches the account's outbox and returns the ids of
// original notes not yet boosted, in outbox order. Only Create
// activities with an embedded Note count; the account's own boosts are
// skipped.
func collectNotes(resolver *activitypub.Resolver, account string, boosted map[string]bool) ([]string, error) {
	accountActor, err := resolver.FetchActor(account)
	if err != nil {
		return nil, err
	}
	if accountActor.Outbox == "" {
		return nil, fmt.Errorf("actor %s has no outbox", account)
	}

	body, err := resolver.FetchDocument(accountActor.Outbox)
	if err != nil {
		return nil, err
	}

	var outbox outboxPage
	if err := json.Unmarshal(body, &outbox); err != nil {
		return nil, fmt.Errorf("failed to parse outbox: %w", err)
	}

	items := outbox.OrderedItems

	// Paged outboxes keep their items behind "first", either embedded
	// or as a page URL
	if len(items) == 0 && len(outbox.First) > 0 {
		var page outboxPage

		var firstURL string
		if err := json.Unmarshal(outbox.First, &firstURL); err == nil {
			pageBody, err := resolver.FetchDocument(firstURL)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(pageBody, &page); err != nil {
				return nil, fmt.Errorf("failed to parse outbox page: %w", err)
			}
		} else if err := json.Unmarshal(outbox.First, &page); err != nil {
			return nil, fmt.Errorf("failed to parse outbox page: %w", err)
		}

		items = page.OrderedItems
	}

	var notes []string
	for _, raw := range items {
		var item outboxItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Type != "Create" || len(item.Object) == 0 {
			continue
		}

		// A plain URI object can't be inspected, skip it
		var note struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item.Object, &note); err != nil {
			continue
		}
		if note.Type != "Note" || note.ID == "" || boosted[note.ID] {
			continue
		}

		notes = append(notes, note.ID)
	}

	return notes, nil
}

func readBoosted(path string) (map[string]bool, error) {
	boosted := make(map[string]bool)

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return boosted, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			boosted[line] = true
		}
	}
	return boosted, scanner.Err()
}

func markBoosted(path, noteURI string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := fmt.Fprintln(file, noteURI); err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	return nil
}
