package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/stewardq/internal/dedupe"
	"github.com/basket/stewardq/internal/queue"
)

const maxBodyBytes = 1 << 20

// enqueueSchemaJSON validates the POST /api/tasks body before it reaches the
// store, so malformed submissions fail with a 400 and a pointer to the field.
const enqueueSchemaJSON = `{
	"type": "object",
	"required": ["room", "task"],
	"additionalProperties": false,
	"properties": {
		"room": {"type": "string", "minLength": 1},
		"task": {"type": "string", "minLength": 1},
		"params": {"type": "object"},
		"priority": {"type": "integer"},
		"resource_keys": {"type": "array", "items": {"type": "string"}},
		"dedupe_key": {"type": "string", "maxLength": 64},
		"request_id": {"type": "string"},
		"trace_id": {"type": "string"},
		"intent_id": {"type": "string"},
		"run_at": {"type": "string", "format": "date-time"},
		"targets": {"type": "array", "items": {"type": "string"}},
		"depth": {"type": "integer", "minimum": 0},
		"flags": {"type": "array", "items": {"type": "string"}}
	}
}`

type schemaValidator struct {
	schema *jsonschema.Schema
}

func newEnqueueValidator() (*schemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(enqueueSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("enqueue.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("enqueue.json")
	if err != nil {
		return nil, err
	}
	return &schemaValidator{schema: schema}, nil
}

func (v *schemaValidator) validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	return v.schema.Validate(inst)
}

type enqueueBody struct {
	Room         string         `json:"room"`
	Task         string         `json:"task"`
	Params       map[string]any `json:"params"`
	Priority     int            `json:"priority"`
	ResourceKeys []string       `json:"resource_keys"`
	DedupeKey    string         `json:"dedupe_key"`
	RequestID    string         `json:"request_id"`
	TraceID      string         `json:"trace_id"`
	IntentID     string         `json:"intent_id"`
	RunAt        *time.Time     `json:"run_at"`
	Targets      []string       `json:"targets"`
	Depth        int            `json:"depth"`
	Flags        []string       `json:"flags"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleQueue(w, r)
	case http.MethodPost:
		s.handleEnqueue(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if err := s.enqueueSchema.validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body enqueueBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode body failed")
		return
	}

	dedupeKey := body.DedupeKey
	if dedupeKey == "" && (len(body.Targets) > 0 || body.RequestID != "") {
		dedupeKey = dedupe.Key(dedupe.Input{
			Room:      body.Room,
			RequestID: body.RequestID,
			Targets:   body.Targets,
			Depth:     body.Depth,
			Flags:     body.Flags,
		})
	}

	var params json.RawMessage
	if body.Params != nil {
		params, err = json.Marshal(body.Params)
		if err != nil {
			writeError(w, http.StatusBadRequest, "encode params failed")
			return
		}
	}

	task, err := s.cfg.Store.Enqueue(r.Context(), queue.EnqueueRequest{
		Room:         body.Room,
		Task:         body.Task,
		Params:       params,
		Priority:     body.Priority,
		ResourceKeys: body.ResourceKeys,
		DedupeKey:    dedupeKey,
		RequestID:    body.RequestID,
		TraceID:      body.TraceID,
		IntentID:     body.IntentID,
		RunAt:        body.RunAt,
	})
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	if task == nil {
		// Dedupe hit: the work is already admitted.
		writeJSON(w, http.StatusOK, map[string]any{
			"deduplicated": true,
			"dedupe_key":   dedupeKey,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

// handleTaskByID serves /api/tasks/{id} and /api/tasks/{id}/cancel.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
		if body.Reason == "" {
			body.Reason = "canceled via api"
		}
		task, err := s.cfg.Store.Cancel(r.Context(), taskID, body.Reason)
		if err != nil {
			if errors.Is(err, queue.ErrIllegalTransition) {
				writeError(w, http.StatusConflict, "task already succeeded")
				return
			}
			notFoundOr500(w, s, "cancel task", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, err := s.cfg.Store.Get(r.Context(), taskID)
	if err != nil {
		notFoundOr500(w, s, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleSupersede(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Room         string         `json:"room"`
		ResourceKeys []string       `json:"resource_keys"`
		Task         string         `json:"task"`
		Params       map[string]any `json:"params"`
		Priority     int            `json:"priority"`
		RequestID    string         `json:"request_id"`
		TraceID      string         `json:"trace_id"`
		IntentID     string         `json:"intent_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode body failed")
		return
	}
	if body.Room == "" || len(body.ResourceKeys) == 0 {
		writeError(w, http.StatusBadRequest, "room and resource_keys required")
		return
	}

	// Without a task the supersede is cancel-only: the newer intent obsoletes
	// the old work without queueing anything in its place.
	var replacement *queue.EnqueueRequest
	if body.Task != "" {
		var params json.RawMessage
		if body.Params != nil {
			var err error
			params, err = json.Marshal(body.Params)
			if err != nil {
				writeError(w, http.StatusBadRequest, "encode params failed")
				return
			}
		}
		replacement = &queue.EnqueueRequest{
			Task:      body.Task,
			Params:    params,
			Priority:  body.Priority,
			RequestID: body.RequestID,
			TraceID:   body.TraceID,
			IntentID:  body.IntentID,
		}
	}

	task, canceledIDs, err := s.cfg.Store.Supersede(r.Context(), body.Room, body.ResourceKeys, replacement)
	if err != nil {
		s.internalError(w, "supersede", err)
		return
	}
	if canceledIDs == nil {
		canceledIDs = []string{}
	}
	status := http.StatusCreated
	resp := map[string]any{"canceled": canceledIDs}
	if task != nil {
		resp["task"] = task
	} else {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}
