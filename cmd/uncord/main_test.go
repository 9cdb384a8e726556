package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

// TestUnknownRouteReturns404 verifies that requests to undefined paths receive a 404 response. Fiber v3 treats
// app.Use() middleware as route matches, so without the catch-all handler at the end of run()'s route registration
// the router would consider unmatched requests "handled" and return the default 200 status with an empty body.
func TestUnknownRouteReturns404(t *testing.T) {
	t.Parallel()

	app := fiber.New()

	// Register middleware so the router has app.Use() handlers that match all paths, reproducing the condition that
	// causes Fiber v3 to treat unmatched requests as handled.
	app.Use(func(c fiber.Ctx) error {
		return c.Next()
	})

	app.Get("/known", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	// Catch-all: mirrors the handler registered at the end of run().
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown path", "/no-such-route", fiber.StatusNotFound},
		{"favicon", "/favicon.ico", fiber.StatusNotFound},
		{"known path", "/known", fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
