package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinger abstracts a Valkey client down to the single call the health check needs, so tests can stub it without a
// live connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db     *pgxpool.Pool
	valkey Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *pgxpool.Pool, valkey Pinger) *HealthHandler {
	return &HealthHandler{db: db, valkey: valkey}
}

// Health pings PostgreSQL and Valkey, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	vkStatus := "ok"
	if err := h.valkey.Ping(ctx); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}
