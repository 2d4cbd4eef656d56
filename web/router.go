package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/fedipage/fedipage/activitypub"
	"github.com/fedipage/fedipage/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"golang.org/x/time/rate"
)

// NewRouter wires the federation endpoints: the shared inbox, the
// actor document and webfinger. Collection documents are static files
// written by the publisher, so they are not served here.
func NewRouter(conf *util.AppConfig, inbox *activitypub.Inbox, resolver *activitypub.Resolver, publicKeyPem string) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// The actor document never changes at runtime, render it once
	actorDocument := GetActor(conf, publicKeyPem)

	g.GET("/"+conf.Conf.ActorName, func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: actorDocument})
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}

		err, resp := GetWebfinger(resource, conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// Stricter rate limit for the inbox: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		log.Println("POST /inbox (shared inbox)")

		body, err := c.GetRawData()
		if err != nil {
			log.Printf("Inbox: Failed to read body: %v", err)
			c.Status(400)
			return
		}

		if !json.Valid(body) {
			log.Printf("Inbox: Rejecting malformed body")
			c.Status(400)
			return
		}

		if conf.Conf.VerifyInbound {
			if err := verifyInbound(c.Request, body, resolver); err != nil {
				log.Printf("Inbox: Rejecting unverified request: %v", err)
				c.JSON(401, gin.H{"error": "signature verification failed"})
				return
			}
		}

		if err := inbox.Handle(body); err != nil {
			if errors.Is(err, activitypub.ErrNotImplemented) {
				c.JSON(501, gin.H{"error": err.Error()})
				return
			}
			log.Printf("Inbox: Failed to process activity: %v", err)
			c.JSON(500, gin.H{"error": "failed to process activity"})
			return
		}

		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: "{}"})
	})

	return g
}

// verifyInbound checks the HTTP signature of an inbound activity
// against the claimed actor's published key. The Digest header, when
// present, must also match the body it arrived with.
func verifyInbound(req *http.Request, body []byte, resolver *activitypub.Resolver) error {
	var envelope struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse activity: %w", err)
	}
	if envelope.Actor == "" {
		return fmt.Errorf("activity has no actor")
	}

	if digest := req.Header.Get("Digest"); digest != "" && digest != activitypub.BuildDigest(body) {
		return fmt.Errorf("digest header doesn't match body")
	}

	actor, err := resolver.FetchActor(envelope.Actor)
	if err != nil {
		return fmt.Errorf("failed to fetch signing actor: %w", err)
	}
	if actor.PublicKey.PublicKeyPem == "" {
		return fmt.Errorf("actor %s has no public key", envelope.Actor)
	}

	signer, err := activitypub.VerifyRequest(req, actor.PublicKey.PublicKeyPem)
	if err != nil {
		return err
	}

	if signer != envelope.Actor {
		return fmt.Errorf("signature key owner %s doesn't match activity actor %s", signer, envelope.Actor)
	}

	return nil
}
