package labimport

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/internal/platform/blobstore"
	"github.com/labflow/labflow/pkg/pagination"
)

type Handler struct {
	svc         *Service
	maxFileSize int64
	logger      zerolog.Logger
}

func NewHandler(svc *Service, maxFileSize int64, logger zerolog.Logger) *Handler {
	if maxFileSize <= 0 {
		maxFileSize = blobstore.DefaultMaxFileSize
	}
	return &Handler{svc: svc, maxFileSize: maxFileSize, logger: logger.With().Str("component", "labimport-http").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/lab-uploads", auth.RequireRole(identity.RoleLabTechnician, identity.RoleAdmin))
	g.POST("/analyze", h.Analyze)
	g.POST("", h.Upload)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/log", h.GetLog)
	g.GET("/:id/file", h.Download)
	g.POST("/:id/reprocess", h.Reprocess)
}

// readFile returns the bytes of the multipart "file" field.
func (h *Handler) readFile(c echo.Context) (string, []byte, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if file.Size > h.maxFileSize {
		return "", nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, blobstore.ErrFileTooLarge.Error())
	}
	src, err := file.Open()
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	raw, err := io.ReadAll(io.LimitReader(src, h.maxFileSize+1))
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	if int64(len(raw)) > h.maxFileSize {
		return "", nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, blobstore.ErrFileTooLarge.Error())
	}
	return file.Filename, raw, nil
}

func (h *Handler) Analyze(c echo.Context) error {
	_, raw, err := h.readFile(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.Analyze(raw))
}

// Upload stores the file and queues its import. With sync=true, or when no
// worker is configured, the import runs before the response is written.
func (h *Handler) Upload(c echo.Context) error {
	ctx := c.Request().Context()
	uploader, err := auth.UserUUIDFromContext(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	name, raw, err := h.readFile(c)
	if err != nil {
		return err
	}

	u, err := h.svc.CreateUpload(ctx, name, raw, uploader)
	if err != nil {
		return uploadError(err)
	}
	return h.start(c, u)
}

func (h *Handler) start(c echo.Context, u *UploadRecord) error {
	ctx := c.Request().Context()
	if c.QueryParam("sync") != "true" && h.svc.HasDispatcher() {
		err := h.svc.Dispatch(ctx, u.ID)
		if err == nil {
			return c.JSON(http.StatusAccepted, u.View())
		}
		h.logger.Warn().Err(err).
			Str("upload_id", u.ID.String()).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Msg("dispatch failed, importing inline")
	}
	done, err := h.svc.RunUpload(ctx, u.ID)
	if errors.Is(err, ErrInvalidTransition) {
		// A worker got the task after all; report its progress.
		current, gerr := h.svc.GetUpload(ctx, u.ID)
		if gerr != nil {
			return uploadError(gerr)
		}
		return c.JSON(http.StatusAccepted, current.View())
	}
	if err != nil {
		return uploadError(err)
	}
	return c.JSON(http.StatusOK, done.View())
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	if s := c.QueryParam("status"); s != "" {
		if _, ok := uploadTransitions[UploadStatus(s)]; !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid status: %s", s))
		}
		f.Status = UploadStatus(s)
	}
	if by := c.QueryParam("uploaded_by"); by != "" {
		id, err := uuid.Parse(by)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid uploaded_by")
		}
		f.UploadedBy = &id
	}
	items, total, err := h.svc.ListUploads(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]*UploadView, 0, len(items))
	for _, u := range items {
		views = append(views, u.View())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.GetUpload(c.Request().Context(), id)
	if err != nil {
		return uploadError(err)
	}
	return c.JSON(http.StatusOK, u.View())
}

func (h *Handler) GetLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.GetProcessingLog(c.Request().Context(), id)
	if err != nil {
		return uploadError(err)
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, raw, err := h.svc.GetFile(c.Request().Context(), id)
	if err != nil {
		return uploadError(err)
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, u.FileName))
	return c.Blob(http.StatusOK, "text/csv", raw)
}

func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	uploader, err := auth.UserUUIDFromContext(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	u, err := h.svc.Reprocess(ctx, id, uploader)
	if err != nil {
		return uploadError(err)
	}
	return h.start(c, u)
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, ErrUploadNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotReprocessable), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
