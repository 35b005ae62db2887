package api

import (
	"errors"
	"log/slog"
	"net/http"

	"imageshelf/internal/server/service"
	"imageshelf/internal/server/validate"

	"github.com/labstack/echo/v4"
)

// Response texts. Clients match on these, so they keep their historical wording.
const (
	msgRoot          = "GET request to the homepage"
	msgUploaded      = "File was successfully upload"
	msgForbiddenType = "Forbidden extension, only images are allowed"
	msgDimensions    = "The dimensions of the images should be  1920 * 1080"
	msgUnreadable    = "The uploaded file is not a readable image"
	msgCleared       = "Images were successfully deleted"
	msgAlreadyEmpty  = "The folder is already empty"
	msgTooLarge      = "file exceeds maximum allowed size"
)

// validationStatus is the status used for every rejected upload.
// Existing clients expect 404 here rather than 400/422.
const validationStatus = http.StatusNotFound

type imageResponse struct {
	Message  string `json:"message"`
	FileName string `json:"fileName,omitempty"`
}

type listResponse struct {
	ImagesList []string `json:"imagesList"`
}

// Handler contains the HTTP handlers for the image API.
type Handler struct {
	svc *service.ImageService
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.ImageService) *Handler {
	return &Handler{svc: svc}
}

// HandleRoot handles GET /.
func (h *Handler) HandleRoot(c echo.Context) error {
	return c.String(http.StatusOK, msgRoot)
}

// HandleHealth handles GET /health.
// Reports whether the storage directory can be read.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	storageStatus := "ok"

	if err := h.svc.Healthy(c.Request().Context()); err != nil {
		slog.Error("storage health check failed", "error", err)
		status = "degraded"
		storageStatus = "unavailable"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":  status,
		"storage": storageStatus,
	})
}

// HandleUpload handles POST /images.
// Accepts a multipart form with a single file in the "image" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		// A body without Content-Length trips BodyLimit while the form is parsed.
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
			return c.JSON(http.StatusRequestEntityTooLarge, imageResponse{Message: msgTooLarge})
		}
		return c.JSON(http.StatusBadRequest, imageResponse{
			Message: "image is required (use form field 'image')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		slog.Error("failed to open uploaded file", "error", err)
		return c.JSON(http.StatusInternalServerError, imageResponse{
			Message: "failed to read uploaded file",
		})
	}
	defer src.Close()

	img, err := h.svc.Save(c.Request().Context(), service.UploadAttempt{
		FileName: fileHeader.Filename,
		MimeType: fileHeader.Header.Get(echo.HeaderContentType),
		Size:     fileHeader.Size,
		Data:     src,
	})
	if err != nil {
		return mapUploadError(c, err)
	}

	c.Response().Header().Set("X-Image-Digest", img.Digest)
	return c.JSON(http.StatusCreated, imageResponse{
		Message:  msgUploaded,
		FileName: img.FileName,
	})
}

// HandleList handles GET /images.
// Returns stored file names, oldest first.
func (h *Handler) HandleList(c echo.Context) error {
	names, err := h.svc.List(c.Request().Context())
	if err != nil {
		slog.Error("failed to list images", "error", err)
		return c.JSON(http.StatusBadRequest, imageResponse{Message: "failed to list images"})
	}

	return c.JSON(http.StatusOK, listResponse{ImagesList: names})
}

// HandleClear handles DELETE /images.
func (h *Handler) HandleClear(c echo.Context) error {
	_, err := h.svc.ClearAll(c.Request().Context())
	switch {
	case err == nil:
		return c.String(http.StatusOK, msgCleared)
	case errors.Is(err, service.ErrAlreadyEmpty):
		return c.String(http.StatusNotFound, msgAlreadyEmpty)
	default:
		slog.Error("failed to clear images", "error", err)
		return c.String(http.StatusInternalServerError, "failed to delete images")
	}
}

// mapUploadError translates upload failures into HTTP responses.
func mapUploadError(c echo.Context, err error) error {
	var rejected *service.RejectedError
	var mismatch *validate.DimensionMismatchError

	switch {
	case errors.Is(err, validate.ErrUnsupportedType):
		return c.JSON(validationStatus, imageResponse{Message: msgForbiddenType})
	case errors.As(err, &mismatch) && errors.As(err, &rejected):
		return c.JSON(validationStatus, imageResponse{
			Message:  msgDimensions,
			FileName: rejected.FileName,
		})
	case errors.As(err, &rejected):
		return c.JSON(validationStatus, imageResponse{
			Message:  msgUnreadable,
			FileName: rejected.FileName,
		})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, imageResponse{Message: msgTooLarge})
	case errors.Is(err, service.ErrNameCollision):
		return c.JSON(http.StatusConflict, imageResponse{
			Message: "an image with this name was just uploaded, retry",
		})
	default:
		slog.Error("upload failed", "error", err)
		return c.JSON(http.StatusInternalServerError, imageResponse{Message: "internal server error"})
	}
}
