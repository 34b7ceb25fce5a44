package server

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/service"
)

type enqueueRequest struct {
	DeviceID string          `json:"deviceId"`
	Kind     string          `json:"kind"`
	Params   json.RawMessage `json:"params"`
	Priority *int            `json:"priority"`
	// TTLSeconds nil selects the default lifetime.
	TTLSeconds *int64 `json:"ttlSeconds"`
}

func (s *Server) handleEnqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	kind, err := model.ParseCommandKind(req.Kind)
	if err != nil {
		return s.respond(c, &service.ValidationError{Field: "kind", Reason: err.Error()})
	}
	var ttl *time.Duration
	if req.TTLSeconds != nil {
		if *req.TTLSeconds > int64(math.MaxInt64/time.Second) {
			return s.respond(c, &service.ValidationError{Field: "ttl", Reason: "out of range"})
		}
		d := time.Duration(*req.TTLSeconds) * time.Second
		ttl = &d
	}
	cmd, err := s.commands.Enqueue(c.UserContext(), service.EnqueueRequest{
		DeviceID: strings.TrimSpace(req.DeviceID),
		OwnerID:  owner(c),
		Kind:     kind,
		Params:   req.Params,
		Priority: req.Priority,
		TTL:      ttl,
	})
	if err != nil {
		return s.respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(model.Success("command queued", cmd))
}

func (s *Server) handleGetCommand(c *fiber.Ctx) error {
	cmd, err := s.commands.Get(c.UserContext(), owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", cmd))
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	views, err := s.telemetry.ListDevices(c.UserContext(), owner(c))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleGetDevice(c *fiber.Ctx) error {
	ctx := c.UserContext()
	view, err := s.telemetry.Snapshot(ctx, owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	pending, err := s.commands.PendingCount(ctx, view.DeviceID)
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"device":          view,
		"pendingCommands": pending,
	}))
}

// handleHistory returns the full history, or one page of it when page or
// pageSize is given.
func (s *Server) handleHistory(c *fiber.Ctx) error {
	cmds, err := s.commands.History(c.UserContext(), owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	if c.Query("page") == "" && c.Query("pageSize") == "" {
		return c.JSON(model.Success("ok", cmds))
	}
	return c.JSON(model.Success("ok", model.Paginate(cmds, c.QueryInt("page", 1), c.QueryInt("pageSize", model.DefaultPageSize))))
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	views, err := s.telemetry.ListDevices(ctx, owner(c))
	if err != nil {
		return s.respond(c, err)
	}
	res := model.FleetStatus{Status: "ok", AllDeviceNum: len(views)}
	for _, v := range views {
		if v.Online {
			res.OnlineDeviceNum++
		}
		if v.Locked {
			res.LockedDeviceNum++
		}
		pending, err := s.commands.PendingCount(ctx, v.DeviceID)
		if err != nil {
			return s.respond(c, err)
		}
		res.PendingCommands += pending
	}
	return c.JSON(model.Success("ok", res))
}

func (s *Server) handleGeofenceStatus(c *fiber.Ctx) error {
	status, err := s.geofences.Status(c.UserContext(), owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", status))
}

func (s *Server) handleCreateGeofence(c *fiber.Ctx) error {
	var in service.GeofenceInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	fence, err := s.geofences.Create(c.UserContext(), owner(c), in)
	if err != nil {
		return s.respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(model.Success("geofence created", fence))
}

func (s *Server) handleListGeofences(c *fiber.Ctx) error {
	fences, err := s.geofences.List(c.UserContext(), owner(c), c.QueryBool("activeOnly", false))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", fences))
}

func (s *Server) handleGetGeofence(c *fiber.Ctx) error {
	fence, err := s.geofences.Get(c.UserContext(), owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", fence))
}

func (s *Server) handleUpdateGeofence(c *fiber.Ctx) error {
	var in service.GeofenceInput
	if err := c.BodyParser(&in); err != nil {
		return badBody(c)
	}
	fence, err := s.geofences.Update(c.UserContext(), owner(c), c.Params("id"), in)
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("geofence updated", fence))
}

func (s *Server) handleDeleteGeofence(c *fiber.Ctx) error {
	if err := s.geofences.Delete(c.UserContext(), owner(c), c.Params("id")); err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("geofence deleted", nil))
}

func (s *Server) handleToggleGeofence(c *fiber.Ctx) error {
	fence, err := s.geofences.Toggle(c.UserContext(), owner(c), c.Params("id"))
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("geofence toggled", fence))
}
