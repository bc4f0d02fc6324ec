// Package routing maps a generic dispatch intent (room + free-text message +
// optional explicit task name) onto a concrete queue task name. Explicit task
// names always win; only the generic dispatch names consult the classifier.
package routing

import (
	"context"
	"math"
	"strings"
	"sync"
)

// Generic dispatch names. Anything else is an explicit task name and bypasses
// classification entirely.
var genericDispatch = map[string]bool{
	"conductor.dispatch": true,
	"swarm.execute":      true,
}

// kindToTask maps classifier kinds to concrete queue tasks.
var kindToTask = map[string]string{
	"canvas":    "canvas.agent_prompt",
	"scorecard": "scorecard.run",
	"factcheck": "scorecard.run",
	"search":    "search.bundle",
	"editor":    "editor.apply",
}

// DefaultTask is where unknown classifier kinds land.
const DefaultTask = "canvas.agent_prompt"

// Decision is the routing outcome for one dispatch.
type Decision struct {
	Kind       string  `json:"kind,omitempty"`
	Task       string  `json:"task"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Intent is what the external classifier returns.
type Intent struct {
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}

// IntentRequest is the canonical record handed to the classifier.
type IntentRequest struct {
	Room    string  `json:"room,omitempty"`
	Message string  `json:"message,omitempty"`
	Bounds  *Bounds `json:"bounds,omitempty"`
}

// Classifier decides what kind of work a free-text message asks for.
type Classifier interface {
	Classify(ctx context.Context, req IntentRequest) (Intent, error)
}

// Bounds is a normalized canvas rectangle.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NormalizeBounds converts an arbitrary inbound bounds value to a Bounds, or
// nil when the shape is malformed. Malformed bounds are treated as absent
// rather than rejected so routing always proceeds.
func NormalizeBounds(v any) *Bounds {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	x, okX := num(m["x"])
	y, okY := num(m["y"])
	w, okW := num(m["width"])
	h, okH := num(m["height"])
	if !okX || !okY || !okW || !okH {
		return nil
	}
	if w < 0 || h < 0 {
		return nil
	}
	return &Bounds{X: x, Y: y, Width: w, Height: h}
}

func num(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// researchKeywords trigger the speculative search branch.
var researchKeywords = []string{
	"research",
	"sources",
	"cite",
	"citation",
	"fact check",
	"fact-check",
	"investigate",
	"look up",
}

func hasResearchIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range researchKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Policy resolves dispatch requests to task names. Threshold and the
// speculative toggle are hot-reloadable.
type Policy struct {
	classifier Classifier

	mu          sync.RWMutex
	threshold   float64
	speculative bool
}

// NewPolicy builds a policy. A nil classifier routes every generic dispatch
// to the default task with zero confidence.
func NewPolicy(classifier Classifier, threshold float64, speculative bool) *Policy {
	return &Policy{
		classifier:  classifier,
		threshold:   threshold,
		speculative: speculative,
	}
}

// SetThreshold updates the confidence threshold at runtime.
func (p *Policy) SetThreshold(threshold float64) {
	p.mu.Lock()
	p.threshold = threshold
	p.mu.Unlock()
}

// SetSpeculative toggles speculative search routing at runtime.
func (p *Policy) SetSpeculative(enabled bool) {
	p.mu.Lock()
	p.speculative = enabled
	p.mu.Unlock()
}

// Decide resolves taskName+params to a concrete task. Explicit task names
// return unchanged without touching the classifier. Classifier errors
// propagate to the caller unchanged.
func (p *Policy) Decide(ctx context.Context, taskName string, params map[string]any) (Decision, error) {
	if !genericDispatch[taskName] {
		return Decision{Task: taskName, Confidence: 1, Reason: "explicit_task"}, nil
	}

	req := IntentRequest{}
	if room, ok := params["room"].(string); ok {
		req.Room = room
	}
	if msg, ok := params["message"].(string); ok {
		req.Message = msg
	}
	req.Bounds = NormalizeBounds(params["bounds"])

	intent := Intent{Kind: "canvas"}
	if p.classifier != nil {
		var err error
		intent, err = p.classifier.Classify(ctx, req)
		if err != nil {
			return Decision{}, err
		}
	}

	p.mu.RLock()
	threshold := p.threshold
	speculative := p.speculative
	p.mu.RUnlock()

	if speculative && intent.Confidence < threshold && hasResearchIntent(req.Message) {
		confidence := intent.Confidence
		if confidence < threshold {
			confidence = threshold
		}
		return Decision{
			Kind:       "search",
			Task:       "search.bundle",
			Confidence: confidence,
			Reason:     "speculative_search_hint",
		}, nil
	}

	task, ok := kindToTask[intent.Kind]
	if !ok {
		task = DefaultTask
	}
	return Decision{
		Kind:       intent.Kind,
		Task:       task,
		Confidence: intent.Confidence,
		Reason:     "classified",
	}, nil
}
