// Command rss2outbox converts a published RSS feed into static note
// documents and an OrderedCollection outbox.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/fedipage/fedipage/feed"
	"github.com/fedipage/fedipage/publisher"
	"github.com/fedipage/fedipage/util"
)

func main() {
	rssPath := flag.String("rss", "", "path to the RSS feed, usually a local index.xml")
	staticPath := flag.String("static", "", "output directory for the generated documents (defaults to webRoot)")
	author := flag.String("author", "", "author fediverse handle, ex. @mapache@hachyderm.io")
	authorUrl := flag.String("author-url", "", "author profile URL, guessed from the handle when empty")
	template := flag.String("template", "", "note content template, overrides the default")
	flag.Parse()

	if *rssPath == "" || *author == "" {
		flag.Usage()
		os.Exit(2)
	}

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	if *staticPath == "" {
		*staticPath = conf.Conf.WebRoot
	}
	if *authorUrl == "" {
		*authorUrl = conf.Conf.AuthorUrl
	}

	opts := feed.Options{
		BaseDomain:      conf.Conf.BaseDomain,
		SiteActorURI:    conf.ActorURI(),
		AuthorUsername:  *author,
		AuthorURL:       *authorUrl,
		ContentTemplate: *template,
	}

	log.Printf("Rss2Outbox: Reading %s, writing documents under %s", *rssPath, *staticPath)

	outbox, err := feed.Generate(*rssPath, &publisher.DirStore{Root: *staticPath}, opts)
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("Rss2Outbox: Wrote %d notes and the outbox document", outbox.TotalItems)
}
