package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrProfileNotFound     = errors.New("profile not found in package registry")
	ErrRegistryUnavailable = errors.New("package registry unavailable")
)

// PackageRegistry resolves canonical profile URLs against a FHIR server that
// hosts conformance resources, using StructureDefinition?url= searches.
type PackageRegistry struct {
	baseURL string
	client  *http.Client
}

func NewPackageRegistry(baseURL string, client *http.Client) *PackageRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PackageRegistry{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Resolve fetches and parses the StructureDefinition for canonical.
// Transport failures and 5xx responses wrap ErrRegistryUnavailable.
func (r *PackageRegistry) Resolve(ctx context.Context, canonical string) (*ProfileDefinition, error) {
	q := url.Values{"url": {CanonicalURL(canonical)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/StructureDefinition?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrProfileNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRegistryUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("package registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		// Some registries answer with the resource itself.
		return ParseStructureDefinition(body)
	}
	if len(bundle.Entry) == 0 {
		return nil, ErrProfileNotFound
	}
	return ParseStructureDefinition(bundle.Entry[0].Resource)
}
