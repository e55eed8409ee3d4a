package imaging

import (
	"errors"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/patients/:id/images", h.ListByPatient)
	readGroup.GET("/images/:id", h.GetImage)
	readGroup.GET("/images/:id/download", h.Download)

	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/patients/:id/images", h.Upload)
	writeGroup.PATCH("/images/:id", h.UpdateDescription)
	writeGroup.DELETE("/images/:id", h.Delete)
}

// Upload accepts multipart/form-data with a "file" part, an "imageType"
// field and an optional "description" field.
func (h *Handler) Upload(c echo.Context) error {
	patientID, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		if appErr, ok := apperr.As(err); ok {
			return appErr
		}
		if errors.Is(err, http.ErrMissingFile) {
			return apperr.WithMessage(apperr.ErrValidation, "file is required")
		}
		return apperr.WithMessage(apperr.ErrValidation, "invalid multipart body: %v", err)
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	in := &UploadInput{
		PatientID:   patientID,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Content:     src,
		ImageType:   c.FormValue("imageType"),
	}
	if d := c.FormValue("description"); d != "" {
		in.Description = &d
	}

	view, err := h.svc.Upload(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}
	views, err := h.svc.ListByPatient(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": views})
}

func (h *Handler) GetImage(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}
	view, err := h.svc.GetImage(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}
	d, err := h.svc.Download(c.Request().Context(), id)
	if err != nil {
		return err
	}
	defer d.Content.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": d.Image.FileName}))
	return c.Stream(http.StatusOK, d.Image.ContentType, d.Content)
}

type descriptionRequest struct {
	Description *string `json:"description"`
}

func (h *Handler) UpdateDescription(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}
	var req descriptionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.WithMessage(apperr.ErrValidation, "invalid request body")
	}
	view, err := h.svc.UpdateDescription(c.Request().Context(), id, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return err
	}
	view, err := h.svc.Delete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.WithMessage(apperr.ErrInvalidID, "id must be a UUID")
	}
	return id, nil
}
