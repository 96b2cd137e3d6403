package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"nefrit/internal/model"
	"nefrit/internal/node"
)

// WorkerDeps are the collaborators of the worker HTTP surface.
type WorkerDeps struct {
	Name        string
	Secret      string
	Registry    *node.Registry
	Xray        XrayProcess
	XrayVersion string
	Tunnel      fiber.Handler
	Gatherer    prometheus.Gatherer
	TunnelPath  string
	Logger      *zap.Logger
}

// RegisterWorkerRoutes attaches the worker node routes.
func RegisterWorkerRoutes(app *fiber.App, d WorkerDeps) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	app.Get("/", WorkerIndex(d.Name, d.Registry))
	app.Get("/health", WorkerHealth(d.Name, d.XrayVersion, d.Registry, d.Xray))
	app.Get("/healthz", LivenessProbe())

	api := app.Group("/api")
	api.Post("/add_user", AddUser(d.Secret, d.Registry, d.Xray, log))
	api.Post("/remove_user", RemoveUser(d.Secret, d.Registry, d.Xray, log))
	api.Post("/sync_users", SyncUsers(d.Secret, d.Registry, d.Xray, log))

	if d.Tunnel != nil {
		path := d.TunnelPath
		if path == "" {
			path = "/tunnel"
		}
		app.Get(path, d.Tunnel)
	}
	if d.Gatherer != nil {
		app.Get("/metrics", Metrics(d.Gatherer))
	}
}

// WorkerIndex answers "<name> - Active users: N".
func WorkerIndex(name string, reg *node.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return sendHTML(c, name+" - Active users: "+strconv.Itoa(reg.Len()))
	}
}

// WorkerHealth reports the node state as model.NodeHealth.
func WorkerHealth(name, xrayVersion string, reg *node.Registry, xr XrayProcess) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := model.NodeHealth{
			Status:      "ok",
			Server:      name,
			Users:       reg.Len(),
			XrayVersion: xrayVersion,
		}
		if xr != nil {
			h.Xray = xr.Running()
			h.XrayPID = xr.PID()
			h.XrayClients = xr.Clients()
		}
		return c.JSON(h)
	}
}

type userRequest struct {
	Secret string `json:"secret"`
	UUID   string `json:"uuid"`
	Path   string `json:"path"`
}

type userResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TotalUsers int    `json:"total_users"`
}

type syncRequest struct {
	Secret string `json:"secret"`
	Users  []struct {
		UUID string `json:"uuid"`
		Path string `json:"path"`
	} `json:"users"`
}

// checkSecret compares in constant time.
func checkSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// parseUserRequest decodes the body regardless of Content-Type and checks the
// shared secret. On failure it writes the error response itself and returns
// a nil request.
func parseUserRequest(c *fiber.Ctx, secret string) (*userRequest, error) {
	var req userRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return nil, writeError(c, fiber.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
	}
	if !checkSecret(req.Secret, secret) {
		return nil, writeError(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
	}
	return &req, nil
}

// AddUser registers a client on this node and restarts Xray with it.
func AddUser(secret string, reg *node.Registry, xr XrayProcess, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := parseUserRequest(c, secret)
		if req == nil {
			return err
		}
		if req.UUID == "" || req.Path == "" {
			return writeError(c, fiber.StatusBadRequest, "MISSING_DATA", "Missing data")
		}

		reg.Add(req.UUID, req.Path)
		log.Info("user added", zap.String("path", req.Path), zap.String("uuid", req.UUID))
		restart(c, xr, log)

		return c.JSON(userResponse{
			Success:    true,
			Message:    fmt.Sprintf("User %s added", req.Path),
			TotalUsers: reg.Len(),
		})
	}
}

// RemoveUser drops a client from this node and restarts Xray without it.
func RemoveUser(secret string, reg *node.Registry, xr XrayProcess, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := parseUserRequest(c, secret)
		if req == nil {
			return err
		}
		if req.UUID == "" {
			return writeError(c, fiber.StatusBadRequest, "MISSING_DATA", "Missing data")
		}

		u, err := reg.Remove(req.UUID)
		if err != nil {
			if errors.Is(err, node.ErrUserNotFound) {
				return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "User not found")
			}
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		log.Info("user removed", zap.String("path", u.Path), zap.String("uuid", u.UUID))
		restart(c, xr, log)

		return c.JSON(userResponse{
			Success:    true,
			Message:    "User removed",
			TotalUsers: reg.Len(),
		})
	}
}

// SyncUsers replaces the node's users with the master's list and restarts
// Xray once for the whole batch.
func SyncUsers(secret string, reg *node.Registry, xr XrayProcess, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req syncRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		}
		if !checkSecret(req.Secret, secret) {
			return writeError(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		}
		users := make([]model.NodeUser, 0, len(req.Users))
		for _, u := range req.Users {
			if u.UUID == "" || u.Path == "" {
				return writeError(c, fiber.StatusBadRequest, "MISSING_DATA", "Missing data")
			}
			users = append(users, model.NodeUser{UUID: u.UUID, Path: u.Path})
		}

		reg.Replace(users)
		log.Info("users synced", zap.Int("users", len(users)))
		restart(c, xr, log)

		return c.JSON(userResponse{
			Success:    true,
			Message:    fmt.Sprintf("%d users synced", len(users)),
			TotalUsers: reg.Len(),
		})
	}
}

// restart applies registry changes. A failed restart leaves the user
// registered; the health watcher retries on its next tick.
func restart(c *fiber.Ctx, xr XrayProcess, log *zap.Logger) {
	if xr == nil {
		return
	}
	if err := xr.Restart(c.UserContext()); err != nil {
		log.Error("xray restart failed", zap.Error(err))
	}
}
