package validation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrGroupNotFound = errors.New("message group not found")

// MessageGroup clusters identical issue shapes across resources.
type MessageGroup struct {
	Signature       string    `json:"signature"`
	Aspect          Aspect    `json:"aspect"`
	Severity        Severity  `json:"severity"`
	Code            string    `json:"code"`
	PathPattern     string    `json:"pathPattern"`
	MessageTemplate string    `json:"messageTemplate"`
	SampleMessage   string    `json:"sampleMessage"`
	TotalResources  int       `json:"totalResources"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

type GroupFilter struct {
	Aspect   Aspect
	Severity Severity
	Limit    int
}

func (f GroupFilter) match(g *MessageGroup) bool {
	if f.Aspect != "" && g.Aspect != f.Aspect {
		return false
	}
	if f.Severity != "" && g.Severity != f.Severity {
		return false
	}
	return true
}

// GroupStore persists message groups.
type GroupStore interface {
	Record(ctx context.Context, resourceKey string, result *AspectResult) error
	Get(ctx context.Context, signature string) (*MessageGroup, error)
	List(ctx context.Context, filter GroupFilter) ([]*MessageGroup, error)
}

func newGroup(aspect Aspect, is Issue, seenAt time.Time) *MessageGroup {
	return &MessageGroup{
		Signature:       Signature(aspect, is),
		Aspect:          aspect,
		Severity:        is.Severity,
		Code:            is.Code,
		PathPattern:     PathPattern(is.CanonicalPath),
		MessageTemplate: MessageTemplate(is.Message),
		SampleMessage:   is.Message,
		FirstSeenAt:     seenAt,
		LastSeenAt:      seenAt,
	}
}

type memoryGroup struct {
	group     MessageGroup
	resources map[string]struct{}
}

// MemoryGroupStore keeps groups in process memory.
type MemoryGroupStore struct {
	mu     sync.RWMutex
	groups map[string]*memoryGroup
}

func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{groups: make(map[string]*memoryGroup)}
}

func (s *MemoryGroupStore) Record(_ context.Context, resourceKey string, result *AspectResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, is := range result.Issues {
		g := newGroup(result.Aspect, is, result.ValidatedAt)
		mg, ok := s.groups[g.Signature]
		if !ok {
			mg = &memoryGroup{group: *g, resources: make(map[string]struct{})}
			s.groups[g.Signature] = mg
		}
		mg.resources[resourceKey] = struct{}{}
		mg.group.TotalResources = len(mg.resources)
		if result.ValidatedAt.After(mg.group.LastSeenAt) {
			mg.group.LastSeenAt = result.ValidatedAt
		}
		if result.ValidatedAt.Before(mg.group.FirstSeenAt) {
			mg.group.FirstSeenAt = result.ValidatedAt
		}
	}
	return nil
}

func (s *MemoryGroupStore) Get(_ context.Context, signature string) (*MessageGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mg, ok := s.groups[signature]
	if !ok {
		return nil, ErrGroupNotFound
	}
	g := mg.group
	return &g, nil
}

func (s *MemoryGroupStore) List(_ context.Context, filter GroupFilter) ([]*MessageGroup, error) {
	s.mu.RLock()
	out := make([]*MessageGroup, 0, len(s.groups))
	for _, mg := range s.groups {
		if filter.match(&mg.group) {
			g := mg.group
			out = append(out, &g)
		}
	}
	s.mu.RUnlock()

	sortGroups(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// sortGroups orders by resource count, then signature for stable paging.
func sortGroups(gs []*MessageGroup) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].TotalResources != gs[j].TotalResources {
			return gs[i].TotalResources > gs[j].TotalResources
		}
		return gs[i].Signature < gs[j].Signature
	})
}
