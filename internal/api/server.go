package api

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/repository"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/session"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/ws"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	manager *session.Manager
	repos   *repository.Repositories
	hub     *ws.Hub
}

func NewServer(cfg *config.Config, manager *session.Manager, repos *repository.Repositories, hub *ws.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "CRM Bot API",
		DisableStartupMessage: false,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	// Security Headers (Helmet)
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	// Rate Limiting - 300 requests per minute per IP (skip websocket)
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests, please slow down",
			})
		},
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/ws")
		},
	}))

	// CORS Configuration
	corsOrigins := "http://localhost:3000,http://localhost:8080"
	if cfg.IsProduction() && len(cfg.CORSOrigins) > 0 {
		corsOrigins = strings.Join(cfg.CORSOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-API-Key,Upgrade,Connection",
		AllowCredentials: true,
	}))

	server := &Server{
		app:     app,
		cfg:     cfg,
		manager: manager,
		repos:   repos,
		hub:     hub,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Root status page
	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "online",
			"message": "CRM Bot API is running",
			"time":    time.Now(),
		})
	})

	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now(),
		})
	})

	// Protected API routes
	api := s.app.Group("/api", s.keyMiddleware)

	wa := api.Group("/whatsapp")
	wa.Post("/connect", s.handleConnect)
	wa.Get("/qrcode/:userId", s.handleQRCode)
	wa.Get("/status/:userId", s.handleStatus)
	wa.Post("/send", s.handleSend)
	wa.Post("/disconnect", s.handleDisconnect)
	wa.Get("/messages/:userId", s.handleMessages)

	ig := api.Group("/instagram")
	ig.Post("/connect", s.handleInstagramConnect)

	// WebSocket
	s.app.Use("/ws", s.wsUpgrade)
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// keyMiddleware authenticates requests with the shared API key.
func (s *Server) keyMiddleware(c *fiber.Ctx) error {
	key := c.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid or missing API key",
		})
	}
	return c.Next()
}

// WebSocket upgrade middleware
func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		token := c.Query("token")
		if token == "" {
			return c.Status(401).JSON(fiber.Map{"error": "Missing token"})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
		}

		c.Locals("user_id", c.Query("userId"))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// --- WebSocket Handler ---

func (s *Server) handleWebSocket(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)

	client := ws.NewClient(c, userID, s.hub)
	s.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
