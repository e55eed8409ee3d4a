package patient

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/auth"
	"github.com/lbpcare/lbp/internal/platform/middleware"
	"github.com/lbpcare/lbp/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, doctor, researcher
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/exists", h.ExistsByStudyID)
	readGroup.GET("/patients/by-study-id/:studyId", h.GetPatientByStudyID)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/workspaces/:workspaceId/patients", h.ListByWorkspace)

	// Write endpoints – admin, doctor
	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/patients", h.CreatePatient)
	writeGroup.PUT("/patients/:id", h.UpdatePatient)
	writeGroup.PATCH("/patients/:id", h.UpdatePatient)
	writeGroup.DELETE("/patients/:id", h.DeletePatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), &in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientByStudyID(c echo.Context) error {
	p, err := h.svc.GetPatientByStudyID(c.Request().Context(), c.Param("studyId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ExistsByStudyID(c echo.Context) error {
	exists, err := h.svc.ExistsByStudyID(c.Request().Context(), c.QueryParam("studyId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"exists": exists})
}

// ListPatients browses active patients. Without a workspaceId query
// parameter the caller's current workspace applies, if any.
func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := ListParams{
		Search: c.QueryParam("search"),
		Sort:   sortFromQuery(c),
		Limit:  pg.Limit(),
		Offset: pg.Offset(),
	}

	ws := c.QueryParam("workspaceId")
	if ws == "" {
		ws = middleware.WorkspaceFromContext(c)
	}
	if ws != "" {
		id, err := parseID(ws, "workspaceId")
		if err != nil {
			return err
		}
		params.WorkspaceID = &id
	}
	if doc := c.QueryParam("doctorId"); doc != "" {
		id, err := parseID(doc, "doctorId")
		if err != nil {
			return err
		}
		params.DoctorID = &id
	}

	patients, total, err := h.svc.ListPatients(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg))
}

func (h *Handler) ListByWorkspace(c echo.Context) error {
	workspaceID, err := parseID(c.Param("workspaceId"), "workspaceId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.ListByWorkspace(c.Request().Context(), workspaceID, pg.Page, pg.PageSize, sortFromQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, &in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return err
	}
	p, err := h.svc.DeletePatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// sortFromQuery reads sort and order. Order defaults to descending.
func sortFromQuery(c echo.Context) Sort {
	s := DefaultSort
	if field := c.QueryParam("sort"); field != "" {
		s.Field = field
	}
	s.Desc = !strings.EqualFold(c.QueryParam("order"), "asc")
	return s
}

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.WithMessage(apperr.ErrInvalidID, "%s must be a UUID", field)
	}
	return id, nil
}

func bindError(err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		return apperr.WithMessage(apperr.ErrValidation, "invalid request body: %v", he.Message)
	}
	return apperr.WithMessage(apperr.ErrValidation, "invalid request body: %v", err)
}
