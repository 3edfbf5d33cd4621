package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/validation/internal/platform/fhir"
)

// maxResourceBytes bounds a single request body.
const maxResourceBytes = 32 << 20

// SettingsSource supplies the settings applied to each request.
type SettingsSource interface {
	Current() *Settings
}

type Handler struct {
	orchestrator *Orchestrator
	settings     SettingsSource
	groups       GroupStore
	invalidation *InvalidationController
}

func NewHandler(orchestrator *Orchestrator, settings SettingsSource, groups GroupStore, invalidation *InvalidationController) *Handler {
	return &Handler{orchestrator: orchestrator, settings: settings, groups: groups, invalidation: invalidation}
}

// RegisterRoutes registers validation routes on the API and FHIR groups.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.POST("/validate", h.Validate)
	api.POST("/validate/batch", h.ValidateBatch)

	v := api.Group("/validation")
	v.DELETE("/cache", h.FlushCache)
	v.POST("/cache/invalidate", h.InvalidateCache)
	v.GET("/groups", h.ListGroups)
	v.GET("/groups/:signature", h.GetGroup)

	fhirGroup.POST("/:resourceType/$validate", h.FHIRValidate)
}

// Validate handles POST /api/v1/validate?serverId=.
func (h *Handler) Validate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	content, err := DecodeResource(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	outcome, err := h.orchestrator.Validate(c.Request().Context(), NewResource(c.QueryParam("serverId"), content), h.settings.Current())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// ValidateBatch handles POST /api/v1/validate/batch. The body is a JSON
// array of resources or a Bundle whose entries carry resources.
func (h *Handler) ValidateBatch(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	docs, err := decodeBatch(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	serverID := c.QueryParam("serverId")
	resources := make([]*Resource, len(docs))
	for i, d := range docs {
		resources[i] = NewResource(serverID, d)
	}
	results, err := h.orchestrator.ValidateBatch(c.Request().Context(), resources, h.settings.Current())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// FHIRValidate handles POST /fhir/{resourceType}/$validate and answers with
// an OperationOutcome.
func (h *Handler) FHIRValidate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}
	content, err := DecodeResource(body)
	if err != nil {
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeStructure, err.Error())
	}

	urlType := c.Param("resourceType")
	bodyType, _ := content["resourceType"].(string)
	switch {
	case bodyType == "":
		content["resourceType"] = urlType
	case bodyType != urlType:
		return outcomeError(c, http.StatusBadRequest, fhir.IssueTypeInvalid,
			fmt.Sprintf("resource type in URL '%s' does not match resource type in body '%s'", urlType, bodyType))
	}

	outcome, err := h.orchestrator.Validate(c.Request().Context(), NewResource(c.QueryParam("serverId"), content), h.settings.Current())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrConfiguration) {
			status = http.StatusBadRequest
		}
		return outcomeError(c, status, fhir.IssueTypeProcessing, err.Error())
	}
	return c.JSON(http.StatusOK, ToOperationOutcome(outcome))
}

// FlushCache handles DELETE /api/v1/validation/cache.
func (h *Handler) FlushCache(c echo.Context) error {
	n := h.invalidation.Flush(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"evicted": n})
}

type invalidateRequest struct {
	ResourceHash string         `json:"resourceHash"`
	Resource     map[string]any `json:"resource"`
}

// InvalidateCache handles POST /api/v1/validation/cache/invalidate. The body
// names the edited resource by content hash or carries the old content.
func (h *Handler) InvalidateCache(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req invalidateRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	hash := req.ResourceHash
	if hash == "" && req.Resource != nil {
		if hash, err = ResourceHash(req.Resource); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if hash == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resourceHash or resource is required")
	}
	n := h.invalidation.ResourceEdited(c.Request().Context(), hash)
	return c.JSON(http.StatusOK, map[string]any{"resourceHash": hash, "evicted": n})
}

// ListGroups handles GET /api/v1/validation/groups?aspect=&severity=&limit=
func (h *Handler) ListGroups(c echo.Context) error {
	var filter GroupFilter
	if s := c.QueryParam("aspect"); s != "" {
		a, err := ParseAspect(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Aspect = a
	}
	if s := c.QueryParam("severity"); s != "" {
		filter.Severity = Severity(s)
		if !filter.Severity.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown severity %q", s))
		}
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))

	groups, err := h.groups.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if groups == nil {
		groups = []*MessageGroup{}
	}
	return c.JSON(http.StatusOK, groups)
}

// GetGroup handles GET /api/v1/validation/groups/:signature.
func (h *Handler) GetGroup(c echo.Context) error {
	g, err := h.groups.Get(c.Request().Context(), c.Param("signature"))
	if errors.Is(err, ErrGroupNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxResourceBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("request body is empty")
	}
	return body, nil
}

// decodeBatch accepts a JSON array of resources or a Bundle.
func decodeBatch(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if trimmed[0] != '[' {
		bundle, err := DecodeResource(trimmed)
		if err != nil {
			return nil, err
		}
		if rt, _ := bundle["resourceType"].(string); rt != "Bundle" {
			return nil, errors.New("batch body must be a JSON array or a Bundle")
		}
		entries, _ := bundle["entry"].([]any)
		out := make([]map[string]any, 0, len(entries))
		for i, e := range entries {
			entry, _ := e.(map[string]any)
			res, ok := entry["resource"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("bundle entry %d has no resource", i)
			}
			out = append(out, res)
		}
		return out, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		content, err := DecodeResource(r)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = content
	}
	return out, nil
}

func outcomeError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, msg))
}

func httpError(err error) error {
	if errors.Is(err, ErrConfiguration) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
