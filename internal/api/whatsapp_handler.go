package api

import (
	"errors"
	"log"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/session"
	"github.com/gofiber/fiber/v2"
)

// handleConnect starts (or reuses) a WhatsApp session for the user and waits
// a bounded time for a login artifact. Provider failures degrade to a
// success:false payload so CRM automations never see a 5xx from this path.
func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req struct {
		UserID      string `json:"userId"`
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"success": false,
			"error":   "userId is required",
		})
	}

	if snap, ok := s.manager.Snapshot(req.UserID); ok {
		return c.JSON(connectResponse(snap, "Session already started"))
	}

	snap, err := s.manager.StartSession(c.Context(), req.UserID, req.PhoneNumber)
	if err != nil {
		log.Printf("[API] Connect failed for %s: %v", req.UserID, err)
		return c.JSON(fiber.Map{
			"success": false,
			"message": "Failed to start WhatsApp session",
			"userId":  req.UserID,
			"error":   err.Error(),
		})
	}

	// The pairing path resolves synchronously; only QR needs the wait.
	if snap.Artifact.Kind == session.ArtifactNone {
		snap = s.manager.WaitForArtifact(c.Context(), req.UserID)
	}

	switch {
	case snap.State == session.StateConnected:
		return c.JSON(connectResponse(snap, "WhatsApp session already connected"))
	case snap.Artifact.Kind != session.ArtifactNone:
		return c.JSON(connectResponse(snap, "WhatsApp session initiated"))
	default:
		resp := fiber.Map{
			"success":     false,
			"message":     "Timed out waiting for QR code or pairing code",
			"userId":      snap.UserID,
			"status":      snap.State.Status(),
			"qrCode":      nil,
			"pairingCode": nil,
		}
		if snap.Method != "" {
			resp["method"] = snap.Method
		}
		return c.JSON(resp)
	}
}

func connectResponse(snap session.Snapshot, message string) fiber.Map {
	resp := fiber.Map{
		"success":     true,
		"message":     message,
		"userId":      snap.UserID,
		"status":      snap.State.Status(),
		"qrCode":      snap.QRCode(),
		"pairingCode": snap.PairingCode(),
	}
	if snap.Method != "" {
		resp["method"] = snap.Method
	}
	return resp
}

// handleQRCode returns the currently held artifact without waiting. A live
// session whose artifact slot is empty (consumed on connect, or not produced
// yet) still answers 200 with nulls; only a missing session is a 404.
func (s *Server) handleQRCode(c *fiber.Ctx) error {
	userID := c.Params("userId")

	snap, ok := s.manager.Snapshot(userID)
	if !ok {
		return c.Status(404).JSON(fiber.Map{
			"success": false,
			"error":   "No active session for this user",
		})
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"userId":      userID,
		"qrCode":      snap.QRCode(),
		"pairingCode": snap.PairingCode(),
		"method":      snap.Method,
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	userID := c.Params("userId")

	snap, ok := s.manager.Snapshot(userID)
	if !ok {
		return c.JSON(fiber.Map{
			"userId":         userID,
			"active":         false,
			"hasQRCode":      false,
			"hasPairingCode": false,
			"status":         "disconnected",
		})
	}

	return c.JSON(fiber.Map{
		"userId":         userID,
		"active":         snap.State == session.StateConnected,
		"hasQRCode":      snap.Artifact.Kind == session.ArtifactQR,
		"hasPairingCode": snap.Artifact.Kind == session.ArtifactPairing,
		"status":         snap.State.Status(),
	})
}

func (s *Server) handleSend(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
		To     string `json:"to"`
		Text   string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if req.UserID == "" || req.To == "" || req.Text == "" {
		return c.Status(400).JSON(fiber.Map{
			"success": false,
			"error":   "userId, to and text are required",
		})
	}

	if err := s.manager.SendText(c.Context(), req.UserID, req.To, req.Text); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			return c.Status(409).JSON(fiber.Map{
				"success": false,
				"error":   "WhatsApp session is not connected",
			})
		}
		log.Printf("[API] Send failed for %s: %v", req.UserID, err)
		return c.Status(500).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to send message",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message sent",
	})
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"success": false,
			"error":   "userId is required",
		})
	}

	if err := s.manager.Disconnect(req.UserID); err != nil {
		return c.Status(404).JSON(fiber.Map{
			"success": false,
			"error":   "No active session for this user",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "WhatsApp session disconnected",
	})
}

func (s *Server) handleMessages(c *fiber.Ctx) error {
	userID := c.Params("userId")
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	messages, err := s.repos.Message.GetRecent(c.Context(), userID, limit)
	if err != nil {
		log.Printf("[API] Failed to load messages for %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load messages",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"userId":   userID,
		"messages": messages,
	})
}

// handleInstagramConnect acknowledges the request only: Instagram brokering
// is not implemented yet but the route is part of the public contract.
func (s *Server) handleInstagramConnect(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Instagram integration is not available yet",
	})
}
