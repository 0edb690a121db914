// voxemy-relay: real-time voice conversation relay
// Bridges telephony media streams to the chat completion backend
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/hiagoragazini/voxemy-relay/internal/config"
	"github.com/hiagoragazini/voxemy-relay/internal/log"
	"github.com/hiagoragazini/voxemy-relay/pkg/completion"
	"github.com/hiagoragazini/voxemy-relay/pkg/gate"
	"github.com/hiagoragazini/voxemy-relay/pkg/protocol"
	"github.com/hiagoragazini/voxemy-relay/pkg/relay"
	"github.com/hiagoragazini/voxemy-relay/pkg/store"
)

var (
	version = "1.0.0"
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	log.Info("voxemy-relay starting", "version", version, "port", cfg.Port)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "voxemy-relay",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(fiberlogger.New())
	}

	// Completion backend
	var completer completion.Completer
	if cfg.HasOpenAI() {
		client, err := completion.NewOpenAI(
			completion.WithAPIKey(cfg.OpenAIKey),
			completion.WithModel(cfg.OpenAIModel),
			completion.WithTimeout(cfg.CompletionTimeout),
			completion.WithHistoryWindow(cfg.HistoryWindow),
			completion.WithLogger(log.L()),
		)
		if err != nil {
			log.Error("completion client init failed", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		completer = client
	} else {
		log.Warn("OPENAI_API_KEY not set, calls will only hear the fallback phrase")
	}

	// Persistence backend
	var conversations store.ConversationStore
	if cfg.HasStore() {
		sb, err := store.NewSupabase(store.Config{
			URL:    cfg.SupabaseURL,
			Key:    cfg.SupabaseKey,
			Table:  cfg.StoreTable,
			Logger: log.L(),
		})
		if err != nil {
			log.Error("store init failed", "error", err)
			os.Exit(1)
		}
		conversations = sb
	} else {
		log.Warn("Supabase credentials not set, conversations will not be persisted")
	}

	// Relay server
	server := relay.NewServer(relay.Config{
		Voice:         cfg.Voice,
		Greeting:      cfg.Greeting,
		Fallback:      cfg.Fallback,
		GreetingDelay: cfg.GreetingDelay,
		HistoryWindow: cfg.HistoryWindow,
		Gate: gate.Config{
			MinLength:     cfg.MinTranscriptLen,
			MinConfidence: cfg.MinConfidence,
		},
		Logger: log.L(),
	}, completer, conversations)

	// Register WebSocket routes
	server.RegisterRoutes(app)

	// Register API routes
	api := app.Group("/api")
	server.RegisterAPIRoutes(api)

	// Health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":            "ok",
			"version":           version,
			"active_calls":      server.SessionCount(),
			"openai_configured": cfg.HasOpenAI(),
			"store_configured":  cfg.HasStore(),
		})
	})

	// Status endpoint
	app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":        version,
			"protocol":       protocol.Version,
			"uptime_seconds": int(server.Uptime().Seconds()),
			"active_calls":   server.SessionCount(),
		})
	})

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		stats := server.GetStats()
		return c.SendString(fmt.Sprintf(`# HELP voxemy_relay_active_calls Open call connections
# TYPE voxemy_relay_active_calls gauge
voxemy_relay_active_calls %d

# HELP voxemy_relay_messages_received Total messages received
# TYPE voxemy_relay_messages_received counter
voxemy_relay_messages_received %d

# HELP voxemy_relay_messages_sent Total messages sent
# TYPE voxemy_relay_messages_sent counter
voxemy_relay_messages_sent %d

# HELP voxemy_relay_transcripts_accepted Transcripts that triggered a reply
# TYPE voxemy_relay_transcripts_accepted counter
voxemy_relay_transcripts_accepted %d

# HELP voxemy_relay_transcripts_dropped Transcripts filtered by the gate
# TYPE voxemy_relay_transcripts_dropped counter
voxemy_relay_transcripts_dropped %d

# HELP voxemy_relay_completions Successful completion calls
# TYPE voxemy_relay_completions counter
voxemy_relay_completions %d

# HELP voxemy_relay_fallbacks Replies substituted with the fallback phrase
# TYPE voxemy_relay_fallbacks counter
voxemy_relay_fallbacks %d
`, stats.ActiveCalls, stats.MessagesReceived, stats.MessagesSent,
			stats.TranscriptsAccepted, stats.TranscriptsDropped,
			stats.Completions, stats.Fallbacks))
	})

	// Start server
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr,
			"ws", "ws://localhost:"+cfg.Port+"/ws/call",
			"health", "http://localhost:"+cfg.Port+"/health",
		)
		if err := app.Listen(addr); err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// Flush in-flight calls before closing the listener
	server.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("goodbye")
}
