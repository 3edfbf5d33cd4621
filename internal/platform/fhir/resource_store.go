package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrUnknownServer    = errors.New("unknown resource server")
	ErrStoreUnavailable = errors.New("resource server unavailable")
)

// ResourceStore fetches resources by identity.
type ResourceStore interface {
	Get(ctx context.Context, serverID, resourceType, id string) (map[string]any, error)
}

// MemoryResourceStore keeps resources in memory. Used for tests and for
// single-process deployments that push resources in directly.
type MemoryResourceStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{data: make(map[string]map[string]any)}
}

func storeKey(serverID, resourceType, id string) string {
	return serverID + "|" + resourceType + "/" + id
}

func (s *MemoryResourceStore) Put(serverID string, resource map[string]any) {
	rt, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)
	s.mu.Lock()
	s.data[storeKey(serverID, rt, id)] = resource
	s.mu.Unlock()
}

func (s *MemoryResourceStore) Get(_ context.Context, serverID, resourceType, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[storeKey(serverID, resourceType, id)]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r, nil
}

// HTTPResourceStore reads resources from FHIR servers over REST, one base URL
// per server id.
type HTTPResourceStore struct {
	servers map[string]string
	client  *http.Client
}

func NewHTTPResourceStore(servers map[string]string, client *http.Client) *HTTPResourceStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	norm := make(map[string]string, len(servers))
	for id, base := range servers {
		norm[id] = strings.TrimRight(base, "/")
	}
	return &HTTPResourceStore{servers: norm, client: client}
}

func (s *HTTPResourceStore) Get(ctx context.Context, serverID, resourceType, id string) (map[string]any, error) {
	base, ok := s.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+resourceType+"/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build resource request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrResourceNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrStoreUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("resource server returned status %d", resp.StatusCode)
	}

	var out map[string]any
	dec := json.NewDecoder(io.LimitReader(resp.Body, 32<<20))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return out, nil
}
