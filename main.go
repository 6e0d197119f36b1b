package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/subosito/gotenv"
	"golang.org/x/time/rate"

	"github.com/relaycore/relay/adapters/hasher"
	"github.com/relaycore/relay/adapters/httpapi"
	"github.com/relaycore/relay/adapters/message_broker"
	"github.com/relaycore/relay/adapters/provider"
	"github.com/relaycore/relay/adapters/secrets"
	"github.com/relaycore/relay/adapters/storage"
	"github.com/relaycore/relay/adapters/tokenizer"
	"github.com/relaycore/relay/adapters/traffic"
	"github.com/relaycore/relay/adapters/websocket"
	"github.com/relaycore/relay/config"
	"github.com/relaycore/relay/usecase"
)

func main() {
	gotenv.Load()

	configPath := flag.String("config", "relay.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	seedSettings(store)

	keyring, err := secrets.NewKeyring([]byte(cfg.MasterSecret))
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	sink := traffic.NewSink(cfg.TrafficDir)
	defer sink.Close()

	sha := hasher.New()

	var limiter *rate.Limiter
	if cfg.Retry.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Retry.RatePerSecond), cfg.Retry.RateBurst)
	}
	requester := provider.NewRequester(
		&http.Client{},
		sink,
		sha,
		limiter,
		cfg.Retry.MaxAttempts,
		cfg.Retry.Backoff(),
	)

	builder := usecase.NewRequestBuilder(
		store,
		store,
		store,
		tokenizer.New(),
		tokenizer.NewModelLimits(cfg.Limits.ContextOverrides, cfg.Limits.CompletionOverrides),
		keyring,
		provider.NewHeaderBuilder(),
	)

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()

	controller := usecase.NewStreamController(
		store,
		store,
		builder,
		requester,
		usecase.NewProgressService(store),
		usecase.NewTraceService(),
		broker,
		usecase.NewTurnRegistry(),
	)

	wsServer := websocket.NewServer(broker)
	wsServer.RunWebsocketHub()

	apiHandler := httpapi.NewHandler(
		controller,
		store,
		keyring,
		sink,
		[]byte(cfg.JWTSecret),
		cfg.APIKey,
		cfg.APISecret,
	)

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit("10MB"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"X-API-Key",
			"X-API-Secret",
			"Content-Length",
		},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	wsGroup := e.Group("/ws")
	wsGroup.Use(apiHandler.JWTMiddleware)
	wsGroup.GET("", wsServer.Handler)

	apiHandler.Register(e)

	log.Printf("Starting relay on %s", cfg.ListenAddr)
	log.Fatal(e.Start(cfg.ListenAddr))
}

// seedSettings writes the system defaults for rows that do not exist
// yet, so an operator can inspect and tune them in place.
func seedSettings(store *storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing, err := store.Settings(ctx, usecase.SettingKeys())
	if err != nil {
		log.Printf("settings seed skipped: %v", err)
		return
	}
	for key, value := range usecase.DefaultSettings() {
		if _, ok := existing[key]; ok {
			continue
		}
		if err := store.PutSetting(ctx, key, value); err != nil {
			log.Printf("settings seed %s: %v", key, err)
		}
	}
}
