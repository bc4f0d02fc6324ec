package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubClassifier struct {
	intent Intent
	err    error
	calls  int
	last   IntentRequest
}

func (s *stubClassifier) Classify(_ context.Context, req IntentRequest) (Intent, error) {
	s.calls++
	s.last = req
	return s.intent, s.err
}

func TestDecideExplicitTaskBypassesClassifier(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "search", Confidence: 0.9}}
	policy := NewPolicy(stub, 0.55, true)

	dec, err := policy.Decide(context.Background(), "scorecard.run", map[string]any{"room": "r1"})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Task != "scorecard.run" || dec.Confidence != 1 || dec.Reason != "explicit_task" {
		t.Errorf("Decide() = %+v, want explicit bypass", dec)
	}
	if stub.calls != 0 {
		t.Errorf("classifier calls = %d, want 0 for explicit task", stub.calls)
	}
}

func TestDecideClassifiesGenericDispatch(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "scorecard", Confidence: 0.8}}
	policy := NewPolicy(stub, 0.55, true)

	dec, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"room":    "r1",
		"message": "score this board",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Task != "scorecard.run" || dec.Kind != "scorecard" || dec.Reason != "classified" {
		t.Errorf("Decide() = %+v, want classified scorecard.run", dec)
	}
	if stub.last.Room != "r1" || stub.last.Message != "score this board" {
		t.Errorf("classifier request = %+v, want room and message forwarded", stub.last)
	}
}

func TestDecideUnknownKindFallsToDefault(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "mystery", Confidence: 0.9}}
	policy := NewPolicy(stub, 0.55, false)

	dec, err := policy.Decide(context.Background(), "swarm.execute", map[string]any{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Task != DefaultTask {
		t.Errorf("Task = %q, want default for unknown kind", dec.Task)
	}
}

func TestDecideSpeculativeSearchOverride(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "canvas", Confidence: 0.2}}
	policy := NewPolicy(stub, 0.55, true)

	dec, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"room":    "r1",
		"message": "research this and add sources",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Kind != "search" || dec.Task != "search.bundle" || dec.Reason != "speculative_search_hint" {
		t.Errorf("Decide() = %+v, want speculative search override", dec)
	}
	if dec.Confidence < 0.55 {
		t.Errorf("Confidence = %v, want floored at threshold", dec.Confidence)
	}
}

func TestDecideSpeculativeRequiresKeywordAndToggle(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "canvas", Confidence: 0.2}}

	// Low confidence but no research keyword: no override.
	policy := NewPolicy(stub, 0.55, true)
	dec, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"message": "draw a flowchart",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Reason != "classified" {
		t.Errorf("Reason = %q, want classified without keyword", dec.Reason)
	}

	// Keyword but toggle off: no override.
	policy.SetSpeculative(false)
	dec, err = policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"message": "research this",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Reason != "classified" {
		t.Errorf("Reason = %q, want classified with toggle off", dec.Reason)
	}

	// Keyword but confident classifier: no override.
	stub.intent.Confidence = 0.9
	policy.SetSpeculative(true)
	dec, err = policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"message": "research this",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Reason != "classified" {
		t.Errorf("Reason = %q, want classified above threshold", dec.Reason)
	}
}

func TestDecidePropagatesClassifierError(t *testing.T) {
	wantErr := errors.New("classifier down")
	policy := NewPolicy(&stubClassifier{err: wantErr}, 0.55, true)

	_, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Decide() error = %v, want classifier error unchanged", err)
	}
}

func TestDecideNilClassifierDefaults(t *testing.T) {
	policy := NewPolicy(nil, 0.55, false)
	dec, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if dec.Task != DefaultTask || dec.Kind != "canvas" {
		t.Errorf("Decide() = %+v, want canvas default without classifier", dec)
	}
}

func TestNormalizeBounds(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want *Bounds
	}{
		{"valid", map[string]any{"x": 1.0, "y": 2.0, "width": 3.0, "height": 4.0}, &Bounds{1, 2, 3, 4}},
		{"int values", map[string]any{"x": 1, "y": 2, "width": 3, "height": 4}, &Bounds{1, 2, 3, 4}},
		{"missing field", map[string]any{"x": 1.0, "y": 2.0, "width": 3.0}, nil},
		{"negative width", map[string]any{"x": 0.0, "y": 0.0, "width": -1.0, "height": 4.0}, nil},
		{"wrong type", map[string]any{"x": "left", "y": 2.0, "width": 3.0, "height": 4.0}, nil},
		{"not a map", "bounds", nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeBounds(tt.in)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("NormalizeBounds() = %+v, want %+v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("NormalizeBounds() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecideDropsMalformedBounds(t *testing.T) {
	stub := &stubClassifier{intent: Intent{Kind: "canvas", Confidence: 0.9}}
	policy := NewPolicy(stub, 0.55, false)

	_, err := policy.Decide(context.Background(), "conductor.dispatch", map[string]any{
		"bounds": map[string]any{"x": "oops"},
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if stub.last.Bounds != nil {
		t.Errorf("Bounds = %+v, want nil for malformed input", stub.last.Bounds)
	}
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Message != "find sources" {
			t.Errorf("Message = %q, want forwarded text", req.Message)
		}
		_ = json.NewEncoder(w).Encode(Intent{Kind: "search", Confidence: 1.7})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	intent, err := c.Classify(context.Background(), IntentRequest{Message: "find sources"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if intent.Kind != "search" {
		t.Errorf("Kind = %q, want search", intent.Kind)
	}
	if intent.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", intent.Confidence)
	}
}

func TestHTTPClassifierNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL)
	if _, err := c.Classify(context.Background(), IntentRequest{}); err == nil {
		t.Fatalf("Classify() error = nil, want error on 503")
	}
}
