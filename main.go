package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"html/template"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"plume/internal/favicon"
	"plume/internal/notify"
	"plume/internal/server"
	"plume/internal/store"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "plume.db", "sqlite database path")
	faviconCache := flag.String("favicon-cache", "plume-favicons", "favicon cache directory")
	flag.Parse()

	setupLogging()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := store.Init(db); err != nil {
		log.Fatal(err)
	}

	center := notify.NewCenter()
	defer center.Close()

	favicons, err := buildFaviconDownloader(db, center, *faviconCache)
	if err != nil {
		log.Fatal(err)
	}

	tmpl := template.Must(template.ParseGlob("templates/*.html"))
	tmpl = template.Must(tmpl.ParseGlob("templates/partials/*.html"))

	app := server.New(db, tmpl, favicons)
	app.StartBackgroundLoops()

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      app.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("plume running", "addr", httpServer.Addr)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func setupLogging() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(handler))
}

// buildFaviconDownloader wires the favicon cache to the database: persisted
// associations seed the in-memory cache, new discoveries are written back,
// and resolutions are logged as they arrive.
func buildFaviconDownloader(db *sql.DB, center *notify.Center, cacheDir string) (*favicon.Downloader, error) {
	favicons, err := favicon.New(cacheDir, center)
	if err != nil {
		return nil, err
	}

	associations, err := store.LoadFaviconAssociations(context.Background(), db)
	if err != nil {
		slog.Warn("load favicon associations failed", "err", err)
	} else {
		favicons.SetAssociations(associations)
	}

	favicons.SetAssociationSaver(func(homePageURL, faviconURL string) {
		saveErr := store.SaveFaviconAssociation(context.Background(), db, homePageURL, faviconURL)
		if saveErr != nil {
			slog.Warn("save favicon association failed", "home_page", homePageURL, "err", saveErr)
		}
	})

	center.Subscribe(favicon.DidBecomeAvailable, func(ev notify.Event) {
		availability, ok := ev.Payload.(favicon.Availability)
		if !ok {
			return
		}

		slog.Info("favicon available",
			"favicon_url", availability.FaviconURL,
			"home_page", availability.HomePageURL,
		)
	})

	return favicons, nil
}
