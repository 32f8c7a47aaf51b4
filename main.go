package main

import (
	"context"
	"log"
	"os"

	"github.com/DeclanJeon/ponslink-signal/config"
	ratelimitdomain "github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/modules/credentials"
	"github.com/DeclanJeon/ponslink-signal/modules/gateway"
	"github.com/DeclanJeon/ponslink-signal/modules/monitor"
	"github.com/DeclanJeon/ponslink-signal/modules/presence"
	"github.com/DeclanJeon/ponslink-signal/modules/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/modules/reaper"
	storemod "github.com/DeclanJeon/ponslink-signal/modules/store"
	"github.com/DeclanJeon/ponslink-signal/telemetry"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ponslink-signal",
	Short: "WebRTC signaling server with relay credential issuance",
	Long: `ponslink-signal pairs two peers per room over WebSocket, relays their
signaling messages, and issues short-lived TURN credentials under per-user
quota and connection limits.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	rootCmd.AddCommand(newCredentialCmd())

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	printStartupInfo(cfg)

	level := mono.LogLevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = mono.LogLevelDebug
	case "warn":
		level = mono.LogLevelWarn
	case "error":
		level = mono.LogLevelError
	}
	format := mono.LogFormatText
	if cfg.Log.Format == "json" {
		format = mono.LogFormatJSON
	}

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(level),
		mono.WithLogFormat(format),
	)
	if err != nil {
		log.Fatalf("Failed to create mono application: %v", err)
	}
	logger := app.Logger()

	tel, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	// Create modules
	storeModule, err := storemod.NewModule(storemod.Config{
		Backend:       cfg.Store.Backend,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		KeyPrefix:     cfg.Store.KeyPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to create store module: %v", err)
	}
	s := storeModule.Store()

	rateLimitModule, err := ratelimit.NewModule(s, ratelimit.Config{
		Origin: limitConfig(ratelimitdomain.DefaultOriginConfig(), cfg.RateLimit.IP),
		User:   limitConfig(ratelimitdomain.DefaultUserConfig(), cfg.RateLimit.User),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create rate limit module: %v", err)
	}

	credentialsModule, err := credentials.NewModule(s, cfg.Credential, logger)
	if err != nil {
		log.Fatalf("Failed to create credentials module: %v", err)
	}
	issuer := credentialsModule.Issuer()

	presenceModule := presence.NewModule(s, logger, presence.WithReleaser(issuer))

	reaperModule, err := reaper.NewModule(reaper.Config{
		Interval:          cfg.Presence.SweepInterval,
		Timeout:           cfg.Presence.ZombieTimeout,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	}, presenceModule.Manager(), s)
	if err != nil {
		log.Fatalf("Failed to create reaper module: %v", err)
	}

	monitorModule := monitor.NewModule(s, logger, monitor.CleanupConfig{
		Interval: cfg.Monitor.CleanupInterval,
		MaxAge:   cfg.Monitor.MaxAge,
	}, monitor.WithQuotaReader(issuer), monitor.WithMeterProvider(tel.MeterProvider()))
	usage := monitorModule.Monitor()

	deps := gateway.Deps{
		Presence:    presenceModule.Manager(),
		Guard:       rateLimitModule.Guard(),
		Credentials: issuer,
		Usage:       usage,
		Stats:       usage,
		Counters:    tel,
		Health: map[string]gateway.HealthSource{
			storeModule.Name():       storeModule,
			rateLimitModule.Name():   rateLimitModule,
			credentialsModule.Name(): credentialsModule,
			presenceModule.Name():    presenceModule,
			reaperModule.Name():      reaperModule,
			monitorModule.Name():     monitorModule,
		},
	}
	if storeModule.Backend() == storemod.BackendRedis {
		deps.LimiterStorage = gateway.NewRedisLimiterStorage(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
	}

	gatewayModule, err := gateway.NewModule(gateway.Config{
		Addr:                   cfg.Addr(),
		AllowedOrigins:         cfg.HTTP.AllowedOrigins,
		StatsRequestsPerMinute: cfg.HTTP.StatsRequestsPerMinute,
		ReadBufferSize:         4096,
		WriteBufferSize:        4096,
	}, deps, logger)
	if err != nil {
		log.Fatalf("Failed to create gateway module: %v", err)
	}

	// Register modules
	app.Register(storeModule)
	app.Register(rateLimitModule)
	app.Register(credentialsModule)
	app.Register(presenceModule)
	app.Register(reaperModule)
	app.Register(monitorModule)
	app.Register(gatewayModule)

	// Start modules (this handles Init and Start)
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}

	log.Println("=== Signaling Server Started ===")
	log.Printf("WebSocket endpoint: ws://localhost%s/ws?userId=<id>", cfg.Addr())
	log.Println("Press Ctrl+C to shutdown")

	// Setup graceful shutdown using gelmium/graceful-shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
			"telemetry": func(ctx context.Context) error {
				return tel.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
	return nil
}

func limitConfig(base ratelimitdomain.Config, l config.LimitConfig) ratelimitdomain.Config {
	base.Points = l.Points
	base.Window = l.Window
	base.BlockDuration = l.BlockDuration
	return base
}

func printStartupInfo(cfg *config.Config) {
	relay := "disabled (STUN only)"
	if cfg.Credential.ServerURL != "" {
		relay = cfg.Credential.ServerURL
	}

	log.Println("=== PonsLink Signaling ===")
	log.Printf("HTTP Port: %d", cfg.HTTP.Port)
	log.Printf("Store: %s (%s)", cfg.Store.Backend, cfg.Store.RedisAddr)
	log.Printf("Relay: %s", relay)
	log.Printf("Quota: %t, connection limit: %t (max %d)",
		cfg.Credential.EnableQuota, cfg.Credential.EnableConnectionLimit, cfg.Credential.MaxConnectionsPerUser)
	if cfg.Telemetry.OTLPEndpoint != "" {
		log.Printf("Metrics export: %s every %s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ExportInterval)
	}
	log.Printf("Heartbeat: %s, zombie timeout: %s, sweep: %s",
		cfg.Presence.HeartbeatInterval, cfg.Presence.ZombieTimeout, cfg.Presence.SweepInterval)
	log.Println("Endpoints:")
	log.Println("  GET /ws                    - Signaling WebSocket")
	log.Println("  GET /health                - Health check")
	log.Println("  GET /metrics               - Realtime metrics")
	log.Println("  GET /stats/room/:roomId    - Room connection stats")
	log.Println("  GET /stats/user/:userId    - User stats and quota")
	log.Println("  GET /stats/failures        - Recent connection failures")
}
