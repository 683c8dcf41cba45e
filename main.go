package main

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"authgate/internal/ceremony"
	"authgate/internal/identity"
	"authgate/internal/server"
	"authgate/internal/session"
	"authgate/internal/store"
)

type config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	DBPath      string `env:"DB_PATH" envDefault:"authgate.db"`
	SigningKey  string `env:"SIGNING_KEY" envDefault:"dev-signing-key"`
	TokenIssuer string `env:"TOKEN_ISSUER" envDefault:"authgate"`
	RPID        string `env:"WEBAUTHN_RP_ID" envDefault:"localhost"`
	RPOrigin    string `env:"WEBAUTHN_RP_ORIGIN" envDefault:"http://localhost:3000"`
	RPName      string `env:"WEBAUTHN_RP_NAME" envDefault:"HackPSU Auth"`
}

func main() {
	setupLogging()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatal(err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		closeErr := db.Close()
		if closeErr != nil {
			slog.Warn("close database failed", "err", closeErr)
		}
	}()

	err = store.Init(db)
	if err != nil {
		log.Fatal(err)
	}

	provider, err := identity.NewProvider(db, cfg.SigningKey, cfg.TokenIssuer)
	if err != nil {
		log.Fatal(err)
	}

	ceremonies, err := ceremony.NewManager(db, provider, &ceremony.Config{
		RPID:     cfg.RPID,
		RPOrigin: cfg.RPOrigin,
		RPName:   cfg.RPName,
		TTL:      0,
	})
	if err != nil {
		log.Fatal(err)
	}

	app := server.New(db, session.NewService(provider), ceremonies)
	app.StartBackgroundLoops()

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      app.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("auth service running", "addr", httpServer.Addr, "rp_id", cfg.RPID)

	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
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
