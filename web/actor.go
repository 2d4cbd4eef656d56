package web

import (
	"fmt"
	"strings"

	"github.com/fedipage/fedipage/util"
)

// GetActor renders the site actor document. The site has exactly one
// actor, built entirely from configuration; nothing is read from the
// store.
func GetActor(conf *util.AppConfig, publicKeyPem string) string {
	base := conf.Conf.BaseDomain
	actorURI := conf.ActorURI()
	username := strings.TrimPrefix(conf.Conf.ActorName, "@")
	pubKey := strings.Replace(publicKeyPem, "\n", "\\n", -1)

	displayName := conf.Conf.AuthorName
	if displayName == "" {
		displayName = username
	}

	url := conf.Conf.AuthorUrl
	if url == "" {
		url = base
	}

	return fmt.Sprintf(
		`{
					"@context": [
						"https://www.w3.org/ns/activitystreams",
						"https://w3id.org/security/v1"
					],

					"id": "%s",
					"type": "Person",
					"preferredUsername": "%s",
					"name": "%s",
					"url": "%s",
					"inbox": "%s/inbox",
					"outbox": "%s/socialweb/outbox",
					"followers": "%s/socialweb/followers",
					"manuallyApprovesFollowers": false,
					"discoverable": true,
					"endpoints": {
						"sharedInbox": "%s/inbox"
					},
					"publicKey": {
						"id": "%s",
						"owner": "%s",
						"publicKeyPem": "%s"
					}
				}`,
		actorURI, username, displayName, url,
		base, base, base, base,
		conf.SigningKeyId(), actorURI, pubKey)
}
