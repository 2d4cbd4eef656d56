package web

import (
	"fmt"
	"strings"

	"github.com/fedipage/fedipage/util"
)

// GetWebfinger resolves a webfinger resource to the site actor. Only
// the site's own acct is served; everything else is a lookup miss.
func GetWebfinger(resource string, conf *util.AppConfig) (error, string) {
	username := strings.TrimPrefix(conf.Conf.ActorName, "@")

	host, err := util.HostOf(conf.Conf.BaseDomain)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	acct := fmt.Sprintf("%s@%s", username, host)
	requested := strings.TrimPrefix(resource, "acct:")
	if requested != acct && requested != username {
		return fmt.Errorf("unknown resource: %s", resource), GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "%s"
						}
					]
				}`, acct, conf.ActorURI())
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
