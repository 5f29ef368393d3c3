package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jo-hoe/imagetrends/internal/backend/database"
	"github.com/jo-hoe/imagetrends/internal/backend/storage"
	"github.com/jo-hoe/imagetrends/internal/core"
)

// maxUploadBytes bounds the multipart image part read into memory.
const maxUploadBytes = 32 << 20

type APIService struct {
	coreService *core.CoreService
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=64"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

type imageResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"createdAt"`
}

type tagResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Confidence *float64  `json:"confidence"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}

func NewAPIService(coreService *core.CoreService) *APIService {
	return &APIService{
		coreService: coreService,
	}
}

func (service *APIService) SetRoutes(e *echo.Echo) {
	// Set probe route
	e.GET("/probe", func(ctx echo.Context) error {
		return ctx.String(http.StatusOK, "API Service is running")
	})

	e.POST("/api/users", service.createUserHandler)
	e.POST("/api/images", service.uploadImageHandler)
	e.GET("/api/images/:id", service.getImageHandler)
	e.GET("/api/images/:id/data", service.getImageDataHandler)
	e.GET("/api/images/:id/tags", service.getTagsHandler)
}

func (service *APIService) createUserHandler(ctx echo.Context) error {
	var request createUserRequest
	if err := ctx.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "received malformed request body")
	}
	if err := ctx.Validate(&request); err != nil {
		return err
	}

	user, err := service.coreService.CreateUser(ctx.Request().Context(), request.Username)
	if err != nil {
		return toHTTPError(err, "failed to create user")
	}
	return ctx.JSON(http.StatusCreated, userResponse{
		ID:        user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	})
}

func (service *APIService) uploadImageHandler(ctx echo.Context) error {
	userID := ctx.FormValue("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	file, err := ctx.FormFile("image")
	if err != nil {
		slog.Error("failed to get uploaded file", "status", http.StatusBadRequest, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "failed to get uploaded file")
	}
	if file.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "uploaded file is too large")
	}

	src, err := file.Open()
	if err != nil {
		slog.Error("failed to open uploaded file", "error", err, "filename", file.Filename)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("failed to close uploaded file reader", "error", cerr, "filename", file.Filename)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(src, maxUploadBytes))
	if err != nil {
		slog.Error("failed to read uploaded file", "error", err, "filename", file.Filename)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read uploaded file")
	}

	image, err := service.coreService.AddImage(ctx.Request().Context(), userID, data, file.Header.Get(echo.HeaderContentType))
	if err != nil {
		return toHTTPError(err, "failed to process uploaded image")
	}
	return ctx.JSON(http.StatusAccepted, toImageResponse(image))
}

func (service *APIService) getImageHandler(ctx echo.Context) error {
	image, err := service.coreService.GetImage(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return toHTTPError(err, "failed to load image")
	}
	return ctx.JSON(http.StatusOK, toImageResponse(image))
}

func (service *APIService) getImageDataHandler(ctx echo.Context) error {
	data, err := service.coreService.GetImageData(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return toHTTPError(err, "failed to load image data")
	}
	ctx.Response().Header().Set("Cache-Control", "no-store")
	return ctx.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func (service *APIService) getTagsHandler(ctx echo.Context) error {
	tags, err := service.coreService.GetTags(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return toHTTPError(err, "failed to load tags")
	}

	response := make([]tagResponse, 0, len(tags))
	for _, tag := range tags {
		response = append(response, tagResponse{
			ID:         tag.ID,
			Name:       tag.Name,
			Confidence: tag.Confidence,
			Source:     tag.Source,
			CreatedAt:  tag.CreatedAt,
		})
	}
	return ctx.JSON(http.StatusOK, response)
}

func toImageResponse(image *database.Image) imageResponse {
	return imageResponse{
		ID:        image.ID,
		UserID:    image.UserID,
		Approved:  image.Approved,
		CreatedAt: image.CreatedAt,
	}
}

func toHTTPError(err error, message string) error {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "already exists")
	case errors.Is(err, core.ErrEmptyImage), errors.Is(err, core.ErrEmptyUsername):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		slog.Error(message, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, message)
	}
}
