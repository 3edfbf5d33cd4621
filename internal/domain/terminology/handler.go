package terminology

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/fhir"
)

// SettingsSource supplies the validation settings currently in force.
type SettingsSource interface {
	Current() *validation.Settings
}

// Handler provides REST endpoints for terminology services.
type Handler struct {
	resolver *Resolver
	settings SettingsSource
}

// NewHandler creates a new terminology handler.
func NewHandler(resolver *Resolver, settings SettingsSource) *Handler {
	return &Handler{resolver: resolver, settings: settings}
}

// RegisterRoutes registers terminology routes on the API and FHIR groups.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/terminology/circuits", h.ListCircuits)

	fhirGroup.GET("/CodeSystem/$validate-code", h.FHIRValidateCode)
	fhirGroup.POST("/CodeSystem/$validate-code", h.FHIRValidateCode)
}

// ListCircuits handles GET /api/v1/terminology/circuits
func (h *Handler) ListCircuits(c echo.Context) error {
	return c.JSON(http.StatusOK, h.resolver.Breakers().Snapshots())
}

// FHIRValidateCode handles GET/POST /fhir/CodeSystem/$validate-code.
// Parameters come from the query string (url, code) or from a JSON body,
// either a Parameters resource or a plain {system, code} object.
func (h *Handler) FHIRValidateCode(c echo.Context) error {
	req := ValidateCodeRequest{
		System: c.QueryParam("url"),
		Code:   c.QueryParam("code"),
	}
	if req.System == "" {
		req.System = c.QueryParam("system")
	}

	if c.Request().Method == http.MethodPost && c.Request().ContentLength != 0 {
		var body struct {
			ValidateCodeRequest
			ResourceType string                  `json:"resourceType"`
			Parameter    []ValidateCodeParameter `json:"parameter"`
		}
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, "invalid request body"))
		}
		if body.ResourceType == "Parameters" {
			for _, p := range body.Parameter {
				switch p.Name {
				case "url", "system":
					req.System = firstNonEmpty(p.ValueURI, p.ValueString)
				case "code":
					req.Code = firstNonEmpty(p.ValueCode, p.ValueString)
				}
			}
		} else {
			if body.System != "" {
				req.System = body.System
			}
			if body.Code != "" {
				req.Code = body.Code
			}
		}
	}

	if req.System == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeRequired, "system and code are required"))
	}

	settings := validation.DefaultSettings()
	if h.settings != nil {
		settings = h.settings.Current()
	}
	v, err := h.resolver.ValidateCode(c.Request().Context(), settings.Terminology, Query{System: req.System, Code: req.Code})
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTimeout, err.Error()))
	}
	return c.JSON(http.StatusOK, ParametersFromVerdict(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
