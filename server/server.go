// Package server exposes the engine over HTTP: starting, signalling,
// querying, cancelling, and inspecting workflow instances.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/orderflow/orderflow/engine"
	"github.com/orderflow/orderflow/fault"
	"github.com/orderflow/orderflow/state"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP front for an engine.
type Server struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// New creates a server wrapping the given engine.
func New(eng *engine.Engine) *Server {
	s := &Server{engine: eng, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /workflows", s.handleStart)
	s.mux.HandleFunc("GET /workflows", s.handleList)
	s.mux.HandleFunc("GET /workflows/{id}", s.handleDescribe)
	s.mux.HandleFunc("GET /workflows/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /workflows/{id}/terminate", s.handleTerminate)
	s.mux.HandleFunc("POST /workflows/{id}/signals/{name}", s.handleSignal)
	s.mux.HandleFunc("GET /workflows/{id}/queries/{name}", s.handleQuery)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts serving on addr and blocks.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("[Server] listening on %s", addr)
	return srv.ListenAndServe()
}

type startRequest struct {
	WorkflowName string          `json:"workflow_name"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkflowName == "" {
		writeError(w, fault.New(fault.KindValidation, "workflow_name is required"))
		return
	}

	st, err := s.engine.StartWorkflow(r.Context(), req.WorkflowName, req.WorkflowID, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{
		WorkflowID: st.WorkflowID,
		RunID:      st.RunID,
		Status:     string(st.Status),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := state.WorkflowStatus(r.URL.Query().Get("status"))
	workflows, err := s.engine.ListWorkflows(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.DescribeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.GetWorkflowEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

type terminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.engine.TerminateWorkflow(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fault.Wrap(fault.KindValidation, err, "read signal payload"))
		return
	}
	err = s.engine.SignalWorkflow(r.Context(), r.PathValue("id"), r.PathValue("name"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signal delivered"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if raw := r.URL.Query().Get("args"); raw != "" {
		if !json.Valid([]byte(raw)) {
			writeError(w, fault.New(fault.KindValidation, "query args is not valid JSON"))
			return
		}
		args = json.RawMessage(raw)
	}

	result, err := s.engine.QueryWorkflow(r.Context(), r.PathValue("id"), r.PathValue("name"), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.New(fault.KindValidation, "request body is required")
		}
		return fault.Wrap(fault.KindValidation, err, "decode request body")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf("write response: %v\n", err)
	}
}
