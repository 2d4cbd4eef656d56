// Command broadcast reads a static note document, wraps it in a Create
// activity and fans it out to every follower.
package main

import (
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
)

func main() {
	notePath := flag.String("note", "", "path to the note document to broadcast")
	retryFailed := flag.Bool("retry-failed", false, "re-attempt followers whose last delivery failed")
	flag.Parse()

	if *notePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	raw, err := os.ReadFile(*notePath)
	if err != nil {
		log.Fatalf("Broadcast: Failed to read note: %v", err)
	}

	var note map[string]interface{}
	if err := json.Unmarshal(raw, &note); err != nil {
		log.Fatalf("Broadcast: Note is not valid JSON: %v", err)
	}

	// The publication moment is the broadcast moment
	published := time.Now().UTC().Format(time.RFC3339)
	note["published"] = published

	noteId := util.LastPathSegment(*notePath)
	create := map[string]interface{}{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        fmt.Sprintf("%s/socialweb/notes/%s/create", conf.Conf.BaseDomain, noteId),
		"type":      "Create",
		"actor":     conf.ActorURI(),
		"to":        []string{"https://www.w3.org/ns/activitystreams#Public"},
		"published": published,
		"object":    note,
	}

	document, err := json.Marshal(create)
	if err != nil {
		log.Fatalf("Broadcast: Failed to build Create: %v", err)
	}

	privatePem, err := os.ReadFile(util.ResolveFilePath(conf.Conf.PrivateKeyFile))
	if err != nil {
		log.Fatalf("Broadcast: Failed to read private key: %v", err)
	}

	signer, err := activitypub.NewSigner(string(privatePem), conf.SigningKeyId())
	if err != nil {
		log.Fatalln(err)
	}

	st, err := store.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatalln(err)
	}
	defer st.Close()

	if err := st.CreateTableIfNotExists(domain.FollowersTable); err != nil {
		log.Fatalln(err)
	}

	broadcaster := activitypub.NewBroadcaster(st, activitypub.NewResolver(signer), activitypub.NewDeliverer(signer))
	broadcaster.RetryFailed = *retryFailed

	log.Printf("Broadcast: Sending note %s to all followers", noteId)

	result, err := broadcaster.Broadcast(document, nil)
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("Broadcast: Delivered %d, failed %d, skipped %d",
		result.Delivered, result.Failed, result.Skipped)
}
