package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ehr/validation/internal/domain/validation"
)

// HTTPEndpoint calls CodeSystem/$validate-code on a FHIR terminology server.
type HTTPEndpoint struct {
	id      string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPEndpoint(id, baseURL string, client *http.Client, limiter *rate.Limiter) *HTTPEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEndpoint{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: limiter,
	}
}

func (e *HTTPEndpoint) ID() string { return e.id }

func (e *HTTPEndpoint) ValidateCode(ctx context.Context, system, code string) (RemoteResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return RemoteResult{}, err
		}
	}

	q := url.Values{"url": {system}, "code": {code}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/CodeSystem/$validate-code?"+q.Encode(), nil)
	if err != nil {
		return RemoteResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := e.client.Do(req)
	if err != nil {
		return RemoteResult{}, validation.Transient("terminology "+e.id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RemoteResult{}, validation.Transient("terminology "+e.id, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The server does not host this code system.
		return RemoteResult{Known: false}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return RemoteResult{}, validation.Transient("terminology "+e.id, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest:
		return RemoteResult{}, fmt.Errorf("terminology %s: unexpected status %d", e.id, resp.StatusCode)
	}

	var params ValidateCodeResponse
	if err := json.Unmarshal(body, &params); err != nil {
		return RemoteResult{}, fmt.Errorf("terminology %s: decode response: %w", e.id, err)
	}
	if params.ResourceType == "OperationOutcome" {
		// Servers answer 400 with an OperationOutcome for unknown systems.
		return RemoteResult{Known: false, Message: string(body)}, nil
	}
	if params.ResourceType != "Parameters" {
		return RemoteResult{}, fmt.Errorf("terminology %s: unexpected %s response", e.id, params.ResourceType)
	}

	result, ok := params.lookupParam("result")
	if !ok || result.ValueBoolean == nil {
		return RemoteResult{}, fmt.Errorf("terminology %s: response has no result parameter", e.id)
	}
	out := RemoteResult{Known: true, Valid: *result.ValueBoolean}
	if p, ok := params.lookupParam("display"); ok {
		out.Display = p.ValueString
	}
	if p, ok := params.lookupParam("message"); ok {
		out.Message = p.ValueString
	}
	return out, nil
}
