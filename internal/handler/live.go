package handler

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"collab-backend/internal/event"
	"collab-backend/internal/eventlog"
)

// LiveHandler serves the replay endpoint late joiners fetch once, before
// subscribing to live topics.
type LiveHandler struct {
	log eventlog.Store
}

func NewLiveHandler(store eventlog.Store) *LiveHandler {
	return &LiveHandler{log: store}
}

// GetLiveEvents returns the retained event history for a board in append
// order.
func (h *LiveHandler) GetLiveEvents(c *fiber.Ctx) error {
	boardID, err := resolveBoardID(c.Params("boardId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false, "message": "Board ID required",
		})
	}

	events, err := h.log.Replay(boardID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false, "message": "Failed to fetch events",
		})
	}
	if events == nil {
		events = []*event.Envelope{}
	}

	return c.JSON(fiber.Map{"success": true, "events": events})
}

// resolveBoardID accepts both a raw numeric id and the "board-{id}" form
// clients sometimes send.
func resolveBoardID(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "board-")
	return strconv.ParseInt(trimmed, 10, 64)
}
