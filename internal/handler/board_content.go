package handler

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"collab-backend/internal/model"
)

// BoardContentHandler serves the persisted full-snapshot endpoints: the
// fallback consistency mechanism a stale client reloads from.
type BoardContentHandler struct {
	db *gorm.DB
}

func NewBoardContentHandler(db *gorm.DB) *BoardContentHandler {
	return &BoardContentHandler{db: db}
}

// ContentRequest is the POST body for a snapshot save.
type ContentRequest struct {
	Name     string `json:"name,omitempty"`
	Content  string `json:"content"`
	Settings string `json:"settings,omitempty"`
}

// GetContent returns the persisted element markup and settings for a board.
func (h *BoardContentHandler) GetContent(c *fiber.Ctx) error {
	boardID, err := resolveBoardID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Board ID required"})
	}

	var board model.Board
	if err := h.db.First(&board, boardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Board not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch board"})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"id":       board.ID,
		"name":     board.Name,
		"content":  board.Content,
		"settings": board.Settings,
	})
}

// SaveContent upserts the snapshot for a board, creating the row on first
// save so imported boards work without a separate create call.
func (h *BoardContentHandler) SaveContent(c *fiber.Ctx) error {
	boardID, err := resolveBoardID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Board ID required"})
	}

	var req ContentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	var board model.Board
	err = h.db.First(&board, boardID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		board = model.Board{ID: boardID, Name: req.Name}
		if board.Name == "" {
			board.Name = "Untitled Board"
		}
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch board"})
	}

	board.Content = req.Content
	if req.Settings != "" {
		board.Settings = req.Settings
	}
	if req.Name != "" {
		board.Name = req.Name
	}

	if err := h.db.Save(&board).Error; err != nil {
		log.Printf("[BoardContent] Save failed for board %d: %v", boardID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save board"})
	}

	return c.JSON(fiber.Map{"success": true, "id": board.ID})
}
