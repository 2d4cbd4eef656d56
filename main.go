package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedipage/fedipage/activitypub"
	"github.com/fedipage/fedipage/domain"
	"github.com/fedipage/fedipage/publisher"
	"github.com/fedipage/fedipage/store"
	"github.com/fedipage/fedipage/util"
	"github.com/fedipage/fedipage/web"
	"github.com/gin-gonic/gin"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	privatePem, err := loadOrCreateKey(conf)
	if err != nil {
		log.Fatalln(err)
	}

	signer, err := activitypub.NewSigner(privatePem, conf.SigningKeyId())
	if err != nil {
		log.Fatalln(err)
	}

	publicKeyPem, err := signer.PublicKeyPem()
	if err != nil {
		log.Fatalln(err)
	}

	st, err := store.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatalln(err)
	}
	defer st.Close()

	for _, table := range []string{domain.FollowersTable, domain.RepliesTable, domain.StampsTable} {
		if err := st.CreateTableIfNotExists(table); err != nil {
			log.Fatalln(err)
		}
	}

	resolver := activitypub.NewResolver(signer)
	deliverer := activitypub.NewDeliverer(signer)
	objects := &publisher.DirStore{Root: conf.Conf.WebRoot}
	pub := publisher.New(st, objects, conf.Conf.BaseDomain)
	inbox := activitypub.NewInbox(conf, st, resolver, deliverer, pub)

	engine := web.NewRouter(conf, inbox, resolver, publicKeyPem)

	startServing(conf, engine)
}

func startServing(conf *util.AppConfig, engine *gin.Engine) {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: engine,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer func() { cancel() }()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalln(err)
	}
}

// loadOrCreateKey reads the configured private key, generating and
// persisting a fresh key pair on first run.
func loadOrCreateKey(conf *util.AppConfig) (string, error) {
	keyPath := util.ResolveFilePath(conf.Conf.PrivateKeyFile)

	buf, err := os.ReadFile(keyPath)
	if err == nil {
		return string(buf), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	log.Printf("Private key not found at %s, generating a new key pair", keyPath)
	pair := util.GeneratePemKeypair()
	if err := os.WriteFile(keyPath, []byte(pair.Private), 0600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}

	return pair.Private, nil
}
