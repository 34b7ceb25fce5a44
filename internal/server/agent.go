package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/service"
)

type telemetryRequest struct {
	DeviceID    string `json:"deviceId"`
	OwnerID     string `json:"ownerId"`
	DeviceName  string `json:"deviceName"`
	Fingerprint string `json:"fingerprint"`
	service.TelemetryFields
}

func (s *Server) handleTelemetry(c *fiber.Ctx) error {
	var req telemetryRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	view, err := s.telemetry.Ingest(c.UserContext(), service.IngestRequest{
		DeviceID:    strings.TrimSpace(req.DeviceID),
		OwnerID:     strings.TrimSpace(req.OwnerID),
		Fingerprint: fingerprint(c, req.Fingerprint),
		DeviceName:  req.DeviceName,
		Origin:      c.IP(),
		Fields:      req.TelemetryFields,
	})
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("telemetry accepted", view))
}

func (s *Server) handlePoll(c *fiber.Ctx) error {
	max := 0
	if raw := c.Query("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return s.respond(c, &service.ValidationError{Field: "max", Reason: "must be an integer"})
		}
		max = n
	}
	cmds, err := s.commands.Poll(c.UserContext(), service.PollRequest{
		DeviceID:    strings.TrimSpace(c.Query("deviceId")),
		OwnerID:     strings.TrimSpace(c.Query("ownerId")),
		Fingerprint: fingerprint(c, ""),
		Origin:      c.IP(),
		Max:         max,
	})
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("ok", cmds))
}

type resultRequest struct {
	DeviceID    string          `json:"deviceId"`
	OwnerID     string          `json:"ownerId"`
	Fingerprint string          `json:"fingerprint"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result"`
}

func (s *Server) handleResult(c *fiber.Ctx) error {
	var req resultRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	ack, err := s.commands.ReportResult(c.UserContext(), service.ResultReport{
		CommandID:   c.Params("id"),
		DeviceID:    strings.TrimSpace(req.DeviceID),
		OwnerID:     strings.TrimSpace(req.OwnerID),
		Fingerprint: fingerprint(c, req.Fingerprint),
		Origin:      c.IP(),
		Success:     req.Success,
		Result:      resultText(req.Result),
	})
	if err != nil {
		return s.respond(c, err)
	}
	return c.JSON(model.Success("result recorded", ack))
}

// resultText stores JSON strings unquoted and any other payload verbatim.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
