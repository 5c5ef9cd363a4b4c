package monitor

import (
	"errors"
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/ledger"
	"github.com/x121ai/podbatch/internal/middleware"
	"github.com/x121ai/podbatch/internal/model"
	"github.com/x121ai/podbatch/pkg/response"
)

// Server exposes batch progress over HTTP and websocket while a run is
// active. It reads the same ledger instance the worker loops write.
type Server struct {
	app     *fiber.App
	hub     *Hub
	led     *ledger.Ledger
	total   int
	workers int
	port    string
	log     *slog.Logger
}

// NewServer builds the monitor server and its routes.
func NewServer(cfg config.MonitorConfig, hub *Hub, led *ledger.Ledger, total, workers int, log *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				if fe.Code == fiber.StatusNotFound {
					return response.NotFound(c, fe.Message)
				}
				return response.Error(c, fe.Code, response.CodeServiceError, fe.Message, nil)
			}
			return response.ServiceError(c, err.Error())
		},
	})
	app.Use(recover.New())
	app.Use(cors.New())

	s := &Server{
		app:     app,
		hub:     hub,
		led:     led,
		total:   total,
		workers: workers,
		port:    cfg.Port,
		log:     log,
	}

	auth := middleware.NewAuthMiddleware(cfg.Secret)

	app.Get("/health", s.handleHealth)
	app.Get("/progress", auth.Authenticate(), s.handleProgress)

	app.Use("/ws", auth.Authenticate(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c)
	}))

	return s
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start serves until Shutdown. Run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info("monitor listening", "port", s.port)
	return s.app.Listen(":" + s.port)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"status": "ok"})
}

// progressView is the /progress payload.
type progressView struct {
	Total      int                            `json:"total"`
	Completed  int                            `json:"completed"`
	Failed     int                            `json:"failed"`
	InProgress int                            `json:"in_progress"`
	Remaining  int                            `json:"remaining"`
	MeanS      float64                        `json:"mean_s,omitempty"`
	EtaS       float64                        `json:"eta_s,omitempty"`
	Jobs       map[string]model.ProgressEntry `json:"jobs"`
}

func (s *Server) handleProgress(c *fiber.Ctx) error {
	// Optional ?status= narrows the jobs map; counters stay batch-wide.
	var filter model.JobStatus
	if q := c.Query("status"); q != "" {
		switch model.JobStatus(q) {
		case model.JobStatusInProgress, model.JobStatusCompleted, model.JobStatusFailed:
			filter = model.JobStatus(q)
		default:
			return response.ValidationError(c, "Unknown status filter", fiber.Map{"status": q})
		}
	}

	doc := s.led.Snapshot()
	est := s.led.EstimateRemaining(s.total, s.workers)

	view := progressView{
		Total:     s.total,
		Completed: est.Completed,
		Remaining: est.Remaining,
		Jobs:      doc.Jobs,
	}
	for _, entry := range doc.Jobs {
		switch entry.Status {
		case model.JobStatusFailed:
			view.Failed++
		case model.JobStatusInProgress:
			view.InProgress++
		}
	}
	if filter != "" {
		filtered := make(map[string]model.ProgressEntry)
		for id, entry := range doc.Jobs {
			if entry.Status == filter {
				filtered[id] = entry
			}
		}
		view.Jobs = filtered
	}
	if est.HasDuration {
		view.MeanS = est.MeanPerJob.Seconds()
		view.EtaS = est.ETA.Seconds()
	}
	return response.OK(c, view)
}
