package handler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"nefrit/internal/model"
	"nefrit/internal/service"
)

// MasterDeps are the collaborators of the master HTTP surface.
type MasterDeps struct {
	DB            *sql.DB
	Subscriptions service.SubscriptionService
	Xray          XrayProcess
	Workers       WorkerStatus
	Tunnel        fiber.Handler
	Gatherer      prometheus.Gatherer
	TunnelPath    string
}

// WorkerStatus reports the health of the worker nodes keyed by name.
type WorkerStatus interface {
	Health(ctx context.Context) map[string]model.NodeHealth
}

const workerHealthTimeout = 3 * time.Second

// RegisterMasterRoutes attaches the master node routes.
func RegisterMasterRoutes(app *fiber.App, d MasterDeps) {
	app.Get("/", Index("🟢 Nefrit VPN Active"))
	app.Get("/health", HealthCheck(d.DB, d.Xray, d.Workers))
	app.Get("/healthz", LivenessProbe())
	app.Get("/sub/:path", Subscription(d.Subscriptions))
	if d.Tunnel != nil {
		path := d.TunnelPath
		if path == "" {
			path = "/vless"
		}
		app.Get(path, d.Tunnel)
	}
	if d.Gatherer != nil {
		app.Get("/metrics", Metrics(d.Gatherer))
	}
}

// Index answers with a static status line.
func Index(text string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return sendHTML(c, text)
	}
}

// HealthCheck reports database, Xray and worker state. A failing database
// ping yields 503; a dead Xray or worker is reported but not fatal because
// the supervisor revives it and the workers are independent.
func HealthCheck(db *sql.DB, xr XrayProcess, workers WorkerStatus) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := fiber.Map{"status": "ok"}
		if db != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
			}
			body["db"] = "ok"
		}
		if xr != nil {
			body["xray"] = xr.Running()
			body["xray_pid"] = xr.PID()
			body["xray_clients"] = xr.Clients()
		}
		if workers != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), workerHealthTimeout)
			defer cancel()
			body["workers"] = workers.Health(ctx)
		}
		return c.Status(fiber.StatusOK).JSON(body)
	}
}

// Subscription serves the base64 subscription of a user path.
func Subscription(svc service.SubscriptionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body, err := svc.Subscription(c.UserContext(), c.Params("path"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).SendString("Not found")
			}
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		c.Set("Profile-Update-Interval", "12")
		c.Type("txt", "utf-8")
		return c.SendString(body)
	}
}
