package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"collab-backend/internal/auth"
	"collab-backend/internal/config"
	"collab-backend/internal/eventlog"
	"collab-backend/internal/handler"
	"collab-backend/internal/hub"
	"collab-backend/internal/presence"
)

// Server wires the collaboration subsystem into a Fiber app.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	db      *gorm.DB
	hub     *hub.Hub
	tracker *presence.Tracker
	mirror  *presence.RedisMirror
	jwt     *auth.JWTManager

	collabWSHandler     *handler.CollabWSHandler
	liveHandler         *handler.LiveHandler
	boardContentHandler *handler.BoardContentHandler
	healthHandler       *handler.HealthHandler
}

// New builds the server: event log, hub, presence tracker (with an optional
// Redis mirror), and all handlers.
func New(cfg *config.Config, db *gorm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "CollaboDraw Realtime Backend",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with websockets
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		BodyLimit:       10 * 1024 * 1024,
	})

	store := eventlog.NewGormStore(db, cfg.Collab.ReplayLimit)
	h := hub.New(store, cfg.Collab.CursorBufferSize)

	var mirror *presence.RedisMirror
	if cfg.Redis.Enabled {
		serverID, _ := os.Hostname()
		m, err := presence.NewRedisMirror(
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			serverID, cfg.Collab.HeartbeatTimeout+cfg.Collab.HeartbeatInterval,
		)
		if err != nil {
			log.Printf("Presence mirror disabled: %v", err)
		} else {
			mirror = m
			log.Printf("Presence mirror connected (%s)", cfg.Redis.Addr)
		}
	}

	var trackerMirror presence.Mirror
	if mirror != nil {
		trackerMirror = mirror
	}
	tracker := presence.NewTracker(cfg.Collab.HeartbeatTimeout, h.PublishParticipants, trackerMirror)

	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	}

	return &Server{
		app:                 app,
		cfg:                 cfg,
		db:                  db,
		hub:                 h,
		tracker:             tracker,
		mirror:              mirror,
		jwt:                 jwtManager,
		collabWSHandler:     handler.NewCollabWSHandler(h, tracker, jwtManager),
		liveHandler:         handler.NewLiveHandler(store),
		boardContentHandler: handler.NewBoardContentHandler(db),
		healthHandler:       handler.NewHealthHandler(db, mirror),
	}
}

// SetupMiddleware installs recover, request logging, CORS and rate limiting.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes registers all REST and websocket routes.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	apiLimiter := limiter.New(limiter.Config{
		Max:        120,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	api := s.app.Group("/api", apiLimiter)
	if s.jwt != nil {
		// Boards are open to guests; a valid token only adds attribution.
		api.Use(auth.OptionalMiddleware(s.jwt))
	}
	api.Get("/live/:boardId", s.liveHandler.GetLiveEvents)
	api.Get("/boards/:id/content", s.boardContentHandler.GetContent)
	api.Post("/boards/:id/content", s.boardContentHandler.SaveContent)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws", websocket.New(s.collabWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
	}))
}

// Start runs the presence sweep and the HTTP listener, shutting both down
// gracefully on SIGINT/SIGTERM.
func (s *Server) Start() error {
	s.tracker.Start(s.cfg.Collab.SweepInterval)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		s.tracker.Stop()
		if s.mirror != nil {
			s.mirror.Close()
		}
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("CollaboDraw realtime backend starting on %s", s.cfg.Server.Port)
	log.Printf("WebSocket endpoint: ws://localhost%s/ws", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server without waiting for a signal.
func (s *Server) Shutdown() error {
	s.tracker.Stop()
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
