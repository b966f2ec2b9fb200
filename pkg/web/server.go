// Package web serves the observability surface: a status snapshot, the
// event timeline, and a live websocket event feed. The server is the
// engine's events.Sink; everything the frame loop and calibration worker
// emit fans out from here.
package web

import (
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/hub"
)

// StatusFn supplies the latest combat frame result for /api/status.
type StatusFn func() any

// Server is the dashboard server. It implements events.Sink.
type Server struct {
	app  *fiber.App
	port string

	timeline *events.Timeline
	eventHub *hub.Hub

	mu          sync.RWMutex
	calibration any

	statusFn StatusFn
}

// wsEnvelope wraps every broadcast payload with its kind so one socket can
// carry events, clicks, and calibration updates.
type wsEnvelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// NewServer builds the fiber app and its routes.
func NewServer(port string, statusFn StatusFn) *Server {
	s := &Server{
		port:     port,
		timeline: events.NewTimeline(200),
		eventHub: hub.New("events"),
		statusFn: statusFn,
	}

	app := fiber.New(fiber.Config{
		AppName:               "huntbot dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/timeline", s.handleTimeline)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start runs the hub and listens. Blocks until Shutdown.
func (s *Server) Start() error {
	go s.eventHub.Run()
	log.Info("dashboard listening", "port", s.port)
	return s.app.Listen(":" + s.port)
}

// StartAsync listens in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			log.Error("dashboard server stopped", "err", err)
		}
	}()
}

// Shutdown stops the listener and the broadcast hub.
func (s *Server) Shutdown() error {
	s.eventHub.Stop()
	return s.app.Shutdown()
}

// EmitEvent records an event and broadcasts it live.
func (s *Server) EmitEvent(ev events.Event) {
	s.timeline.Add(ev)
	s.eventHub.BroadcastJSON(wsEnvelope{Kind: "event", Data: ev})
}

// EmitClick records a dispatched click as a timeline event.
func (s *Server) EmitClick(c events.Click, state, phase string) {
	ev := events.NewEvent(events.TypeClick, c.Label)
	ev.State = state
	ev.Phase = phase
	ev.Notes = "x=" + strconv.Itoa(c.X) + " y=" + strconv.Itoa(c.Y)
	s.timeline.Add(ev)
	s.eventHub.BroadcastJSON(wsEnvelope{Kind: "click", Data: ev})
}

// UpdateCalibrationStatus stores the newest calibration snapshot and pushes
// it to clients.
func (s *Server) UpdateCalibrationStatus(status any) {
	s.mu.Lock()
	s.calibration = status
	s.mu.Unlock()
	s.eventHub.BroadcastJSON(wsEnvelope{Kind: "calibration", Data: status})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	s.mu.RLock()
	cal := s.calibration
	s.mu.RUnlock()

	var frame any
	if s.statusFn != nil {
		frame = s.statusFn()
	}
	return c.JSON(fiber.Map{
		"frame":       frame,
		"calibration": cal,
	})
}

func (s *Server) handleTimeline(c *fiber.Ctx) error {
	n := c.QueryInt("n", 0)
	return c.JSON(s.timeline.Last(n))
}

func (s *Server) handleEventsWS(conn *websocket.Conn) {
	client := hub.NewClient(s.eventHub, conn)
	client.Run()
}
