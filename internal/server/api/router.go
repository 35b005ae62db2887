package api

import (
	"strconv"

	"imageshelf/internal/server/config"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead leaves room for boundaries and part headers on top of the file itself.
const multipartOverhead = 1 << 20

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	e.Use(RequestLogger())

	// Stored files by name. Registered first so the explicit routes below win.
	e.Static("/", cfg.StoragePath)

	// Liveness
	e.GET("/", handler.HandleRoot)
	e.GET("/health", handler.HandleHealth)

	// Images
	bodyLimit := middleware.BodyLimit(strconv.FormatInt(cfg.MaxFileSize+multipartOverhead, 10))
	uploadLimiter := UploadRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e.POST("/images", handler.HandleUpload, uploadLimiter, bodyLimit)
	e.GET("/images", handler.HandleList)
	e.DELETE("/images", handler.HandleClear)

	return e
}
