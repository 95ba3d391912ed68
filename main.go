package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/patchwork-sh/patchwork/internal/agentws"
	"github.com/patchwork-sh/patchwork/internal/audit"
	"github.com/patchwork-sh/patchwork/internal/auth"
	"github.com/patchwork-sh/patchwork/internal/bridge"
	"github.com/patchwork-sh/patchwork/internal/config"
	"github.com/patchwork-sh/patchwork/internal/database"
	"github.com/patchwork-sh/patchwork/internal/handlers"
	"github.com/patchwork-sh/patchwork/internal/logging"
	"github.com/patchwork-sh/patchwork/internal/middleware"
	"github.com/patchwork-sh/patchwork/internal/tickets"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

	sessionDuration, err := time.ParseDuration(config.Cfg.SessionDuration)
	if err != nil {
		sessionDuration = 24 * time.Hour
	}
	ticketTTL, err := time.ParseDuration(config.Cfg.TicketTTL)
	if err != nil {
		ticketTTL = 60 * time.Second
	}
	dialTimeout, err := time.ParseDuration(config.Cfg.SSHConnectTimeout)
	if err != nil {
		dialTimeout = bridge.DefaultDialTimeout
	}

	tokenSecret := []byte(config.Cfg.TokenSecret)
	if len(tokenSecret) == 0 {
		log.Printf("WARNING: PATCHWORK_TOKEN_SECRET is not set; websocket tokens are disabled")
	}

	// Ticket store: Redis when configured, in-process memory otherwise.
	var ticketStore tickets.Store
	var memoryTickets *tickets.MemoryStore
	if config.Cfg.RedisURL != "" {
		rs, err := tickets.NewRedisStore(context.Background(), config.Cfg.RedisURL, ticketTTL)
		if err != nil {
			log.Fatalf("Redis init: %v", err)
		}
		defer rs.Close()
		ticketStore = rs
		log.Printf("Ticket store: redis (ttl=%s)", ticketTTL)
	} else {
		memoryTickets = tickets.NewMemoryStore(ticketTTL)
		ticketStore = memoryTickets
		log.Printf("Ticket store: memory (ttl=%s)", ticketTTL)
	}

	handlers.TicketStore = ticketStore
	handlers.TokenSecret = tokenSecret
	handlers.SessionDuration = sessionDuration
	handlers.TicketTTL = ticketTTL

	// Agent control channel and terminal bridge
	agentRegistry := agentws.NewRegistry()
	agentHandler := agentws.NewHandler(agentRegistry)

	sessionMgr := bridge.NewSessionManager(config.Cfg.MaxProxySessionsPerAgent)
	terminalBridge := bridge.New(ticketStore, agentRegistry, sessionMgr, tokenSecret, dialTimeout)
	agentHandler.SetProxyFrameHandler(terminalBridge)
	dispatcher := &bridge.Dispatcher{Bridge: terminalBridge}

	// Background jobs
	c := cron.New()
	c.AddFunc("@hourly", func() {
		if n, err := database.DeleteExpiredSessions(); err == nil && n > 0 {
			log.Printf("Pruned %d expired sessions", n)
		}
	})
	if memoryTickets != nil {
		c.AddFunc("@every 1m", memoryTickets.Sweep)
	}
	c.AddFunc("@daily", func() {
		if n, err := audit.Get().Prune(); err == nil && n > 0 {
			log.Printf("Pruned %d audit entries", n)
		}
	})
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Terminal upgrades bypass the cookie middleware: the bridge does its own
	// ticket and token authentication during the handshake.
	r.Use(dispatcher.Middleware)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agent control channel (header-authenticated)
		r.Get("/agents/ws", agentHandler.ServeWS)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)
			r.Post("/auth/ws-token", handlers.WebsocketToken)

			r.Get("/hosts", handlers.ListHosts)
			r.Post("/hosts/{hostId}/ssh-ticket", handlers.IssueSSHTicket)
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: patchwork --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
			IsActive:     true,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *username)
	}
}
