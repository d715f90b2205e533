package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/voyagehost/voyage/internal/api"
	"github.com/voyagehost/voyage/internal/cmdbus"
	"github.com/voyagehost/voyage/internal/config"
	"github.com/voyagehost/voyage/internal/dns"
	"github.com/voyagehost/voyage/internal/hub"
	"github.com/voyagehost/voyage/internal/llm"
	"github.com/voyagehost/voyage/internal/notify"
	"github.com/voyagehost/voyage/internal/orchestrator"
	"github.com/voyagehost/voyage/internal/reconciler"
	"github.com/voyagehost/voyage/internal/registry"
	"github.com/voyagehost/voyage/internal/remedy"
	"github.com/voyagehost/voyage/internal/store"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "address on which to serve the API")
		dbPath         = flag.String("db", "voyage.db", "path to the sqlite database")
		configPath     = flag.String("config", "", "path to the TOML config file")
		sweepInterval  = flag.Duration("sweep-interval", time.Minute, "how often to decay stale node liveness")
		hibernateEvery = flag.Duration("hibernate-interval", time.Minute*10, "how often to audit for idle servers")
		auditEvery     = flag.Duration("audit-interval", time.Minute*5, "how often to audit server resource usage")
		gcEvery        = flag.Duration("gc-interval", time.Minute, "how often to garbage collect settled commands")
		pprofPort      = flag.Uint("pprof-port", 0, "port to serve default pprof profiling endpoints on or 0 to disable")
	)
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal error while loading configuration: %s", err)
	}

	if *pprofPort != 0 {
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf(":%d", *pprofPort), nil)) // default handler has pprof endpoints when package is imported
		}()
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("fatal error while opening database: %s", err)
	}
	if err := db.Init(); err != nil {
		log.Fatalf("fatal error while initializing schema: %s", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if conf.Alerts.WebhookURL != "" {
		notifier = notify.NewWebhook(conf.Alerts.WebhookURL)
	}

	var provider dns.Provider
	if cf := dns.NewCloudflare(conf.Cloudflare.APIToken, conf.Cloudflare.ZoneID, conf.Cloudflare.Domain); cf.Configured() {
		provider = cf
	}

	var summarizer llm.Summarizer
	if conf.Ollama.URL != "" {
		summarizer = llm.NewOllama(conf.Ollama.URL, conf.Ollama.Model)
	}

	var (
		reg    = registry.New(db, conf.EnrollmentSecret, conf.PresenceTTL(), conf.DurableThrottle())
		bus    = cmdbus.New(db, conf.CommandRetain())
		h      = hub.New(conf.AllowedOrigins)
		rec    = reconciler.New(db, bus, notifier, h, conf.HibernationIdle())
		orch   = orchestrator.New(db, reg, bus, provider)
		engine = remedy.New(db, bus, notifier, h, summarizer, nil)
	)
	reg.AttachSink(rec)

	go reg.RunStalenessSweep(*sweepInterval)
	go rec.RunHibernation(*hibernateEvery)
	go rec.RunResourceAudit(*auditEvery)
	go bus.RunGC(*gcEvery)

	svr := api.New(db, reg, bus, orch, engine, h, conf.InternalSecret)
	log.Printf("control plane listening on %s", *addr)
	if err := http.ListenAndServe(*addr, svr.Handler()); err != nil {
		log.Fatalf("fatal error while running API HTTP server: %s", err)
	}
}
