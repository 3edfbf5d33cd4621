package terminology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validation/internal/domain/validation"
	"github.com/ehr/validation/internal/platform/breaker"
)

// -- Mock Endpoint --

type mockEndpoint struct {
	id      string
	calls   atomic.Int32
	result  RemoteResult
	err     error
	release chan struct{}
}

func (m *mockEndpoint) ID() string { return m.id }

func (m *mockEndpoint) ValidateCode(ctx context.Context, system, code string) (RemoteResult, error) {
	m.calls.Add(1)
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return RemoteResult{}, ctx.Err()
		}
	}
	return m.result, m.err
}

func mockFactory(eps ...*mockEndpoint) EndpointFactory {
	byID := make(map[string]*mockEndpoint, len(eps))
	for _, ep := range eps {
		byID[ep.id] = ep
	}
	return func(srv validation.TerminologyServer) (Endpoint, error) {
		ep, ok := byID[srv.ID]
		if !ok {
			return nil, errors.New("no such endpoint")
		}
		return ep, nil
	}
}

func settingsFor(ids ...string) validation.TerminologySettings {
	ts := validation.TerminologySettings{Mode: validation.TerminologyOnline, CallTimeoutMs: 1000}
	for _, id := range ids {
		ts.Servers = append(ts.Servers, validation.TerminologyServer{ID: id, Kind: validation.ServerKindHTTP, URL: "http://" + id})
	}
	return ts
}

func newTestResolver(eps ...*mockEndpoint) *Resolver {
	return NewResolver(nil, breaker.NewRegistry(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}),
		NewVerdictCache(time.Hour, nil), mockFactory(eps...), zerolog.Nop())
}

func TestResolver_LocalTierMakesNoCall(t *testing.T) {
	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}}
	r := newTestResolver(ep)

	v, err := r.ValidateCode(context.Background(), settingsFor("tx"), Query{System: "http://hl7.org/fhir/administrative-gender", Code: "robot"})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if v.Source != SourceLocal || v.Status != StatusInvalid {
		t.Errorf("expected local invalid verdict, got %+v", v)
	}
	if ep.calls.Load() != 0 {
		t.Errorf("expected no remote call, got %d", ep.calls.Load())
	}
}

func TestResolver_FallsBackToNextServer(t *testing.T) {
	down := &mockEndpoint{id: "primary", err: validation.Transient("call", errors.New("connection refused"))}
	up := &mockEndpoint{id: "secondary", result: RemoteResult{Known: true, Valid: true}}
	r := newTestResolver(down, up)

	v, err := r.ValidateCode(context.Background(), settingsFor("primary", "secondary"), Query{System: SystemLOINC, Code: "8867-4"})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if v.Status != StatusValid || v.Server != "secondary" {
		t.Errorf("expected valid verdict from secondary, got %+v", v)
	}
	if len(v.ServersTried) != 2 {
		t.Errorf("expected both servers tried, got %v", v.ServersTried)
	}
}

func TestResolver_UnknownSystemAdvances(t *testing.T) {
	first := &mockEndpoint{id: "a", result: RemoteResult{Known: false}}
	second := &mockEndpoint{id: "b", result: RemoteResult{Known: true, Valid: false}}
	r := newTestResolver(first, second)

	v, _ := r.ValidateCode(context.Background(), settingsFor("a", "b"), Query{System: SystemSNOMED, Code: "1"})
	if v.Status != StatusInvalid || v.Server != "b" {
		t.Errorf("expected invalid verdict from b, got %+v", v)
	}
	if got := r.Breakers().For("a").Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("unknown system must not count as a failure, got %d", got)
	}
}

func TestResolver_BreakerOpensAndSkips(t *testing.T) {
	down := &mockEndpoint{id: "tx", err: validation.Transient("call", errors.New("timeout"))}
	r := newTestResolver(down)
	ts := settingsFor("tx")

	for i, code := range []string{"1", "2"} {
		v, _ := r.ValidateCode(context.Background(), ts, Query{System: SystemSNOMED, Code: code})
		if v.Status != StatusUnvalidatable {
			t.Fatalf("call %d: expected unvalidatable, got %+v", i, v)
		}
	}
	if st := r.Breakers().For("tx").State(); st != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", st)
	}

	v, _ := r.ValidateCode(context.Background(), ts, Query{System: SystemSNOMED, Code: "3"})
	if down.calls.Load() != 2 {
		t.Errorf("expected no call while open, got %d calls", down.calls.Load())
	}
	if len(v.Skipped) != 1 || len(v.ServersTried) != 0 {
		t.Errorf("expected server skipped, got %+v", v)
	}
}

func TestResolver_DegradedUnknownSystemIsError(t *testing.T) {
	r := newTestResolver()
	v, err := r.ValidateCode(context.Background(), settingsFor(), Query{System: "http://example.org/local-codes", Code: "x"})
	if err != nil {
		t.Fatalf("ValidateCode: %v", err)
	}
	if v.Status != StatusError || v.Valid || !v.Degraded() {
		t.Errorf("expected degraded error verdict, got %+v", v)
	}
}

func TestResolver_CachesRemoteVerdicts(t *testing.T) {
	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}}
	r := newTestResolver(ep)
	ts := settingsFor("tx")
	q := Query{System: SystemRxNorm, Code: "1049502"}

	r.ValidateCode(context.Background(), ts, q)
	v, _ := r.ValidateCode(context.Background(), ts, q)
	if ep.calls.Load() != 1 {
		t.Errorf("expected one remote call, got %d", ep.calls.Load())
	}
	if !v.FromCache {
		t.Error("expected second verdict from cache")
	}
}

func TestResolver_ConcurrentLookupsCoalesce(t *testing.T) {
	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}, release: make(chan struct{})}
	r := newTestResolver(ep)
	ts := settingsFor("tx")
	q := Query{System: SystemLOINC, Code: "2345-7"}

	var wg sync.WaitGroup
	verdicts := make([]Verdict, 8)
	for i := range verdicts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i], _ = r.ValidateCode(context.Background(), ts, q)
		}()
	}
	// Let the callers join the flight before the endpoint answers.
	for ep.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ep.release)
	wg.Wait()

	if ep.calls.Load() != 1 {
		t.Errorf("expected exactly one remote call, got %d", ep.calls.Load())
	}
	for i, v := range verdicts {
		if v.Status != StatusValid {
			t.Errorf("caller %d: expected valid, got %+v", i, v)
		}
	}
}

func TestResolver_ValidateCodesDeduplicates(t *testing.T) {
	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}}
	r := newTestResolver(ep)
	queries := []Query{
		{System: SystemLOINC, Code: "1"},
		{System: SystemLOINC, Code: "1"},
		{System: SystemLOINC, Code: "2"},
	}
	out, err := r.ValidateCodes(context.Background(), settingsFor("tx"), queries, 4)
	if err != nil {
		t.Fatalf("ValidateCodes: %v", err)
	}
	if len(out) != 2 || ep.calls.Load() != 2 {
		t.Errorf("expected 2 verdicts and 2 calls, got %d verdicts and %d calls", len(out), ep.calls.Load())
	}
}

func TestResolver_CallerCancellation(t *testing.T) {
	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}, release: make(chan struct{})}
	defer close(ep.release)
	r := newTestResolver(ep)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.ValidateCode(ctx, settingsFor("tx"), Query{System: SystemLOINC, Code: "9"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestResolver_OfflineModeUsesStoredVerdicts(t *testing.T) {
	store, err := OpenOfflineStore("", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ep := &mockEndpoint{id: "tx", result: RemoteResult{Known: true, Valid: true}}
	online := NewResolver(nil, nil, NewVerdictCache(time.Hour, store), mockFactory(ep), zerolog.Nop())
	ts := settingsFor("tx")
	q := Query{System: SystemSNOMED, Code: "73211009"}
	if v, _ := online.ValidateCode(context.Background(), ts, q); v.Status != StatusValid {
		t.Fatalf("expected valid online verdict, got %+v", v)
	}

	// A fresh memory cache over the same store, as after a restart.
	offline := NewResolver(nil, nil, NewVerdictCache(time.Hour, store), mockFactory(ep), zerolog.Nop())
	ts.Mode = validation.TerminologyOffline
	v, _ := offline.ValidateCode(context.Background(), ts, q)
	if v.Status != StatusValid || !v.FromCache {
		t.Errorf("expected stored verdict, got %+v", v)
	}
	v, _ = offline.ValidateCode(context.Background(), ts, Query{System: SystemSNOMED, Code: "other"})
	if v.Status != StatusUnvalidatable {
		t.Errorf("expected unvalidatable for unseen code, got %+v", v)
	}
	if ep.calls.Load() != 1 {
		t.Errorf("offline mode must not call servers, got %d calls", ep.calls.Load())
	}
}

func TestHTTPEndpoint_ValidateCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/CodeSystem/$validate-code" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		switch r.URL.Query().Get("code") {
		case "good":
			w.Write([]byte(`{"resourceType":"Parameters","parameter":[{"name":"result","valueBoolean":true},{"name":"display","valueString":"Good"}]}`))
		case "bad":
			w.Write([]byte(`{"resourceType":"Parameters","parameter":[{"name":"result","valueBoolean":false},{"name":"message","valueString":"unknown code"}]}`))
		case "nosys":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[]}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	ep := NewHTTPEndpoint("tx", srv.URL+"/fhir/", srv.Client(), nil)
	ctx := context.Background()

	res, err := ep.ValidateCode(ctx, SystemLOINC, "good")
	if err != nil || !res.Known || !res.Valid || res.Display != "Good" {
		t.Errorf("unexpected result for good: %+v (%v)", res, err)
	}
	res, err = ep.ValidateCode(ctx, SystemLOINC, "bad")
	if err != nil || !res.Known || res.Valid || res.Message != "unknown code" {
		t.Errorf("unexpected result for bad: %+v (%v)", res, err)
	}
	res, err = ep.ValidateCode(ctx, "http://example.org", "nosys")
	if err != nil || res.Known {
		t.Errorf("expected unknown system, got %+v (%v)", res, err)
	}
	if _, err := ep.ValidateCode(ctx, SystemLOINC, "boom"); !validation.IsTransient(err) {
		t.Errorf("expected transient error for 502, got %v", err)
	}
}
