// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server is the RPC front of DKPS. It exposes the three engine
// operations over HTTP with small JSON envelopes and maps engine errors to
// stable client-facing codes. Internals never leak: unknown errors come
// back as a generic internal_error.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cros-factory/dkps/internal/engine"
	"github.com/cros-factory/dkps/internal/keymod"
	"github.com/cros-factory/dkps/internal/logging"
	"github.com/cros-factory/dkps/internal/registry"
)

// DefaultAddr is where the server listens unless configured otherwise.
const DefaultAddr = ":5438"

// Error codes on the wire.
const (
	CodeAuthError      = "auth_error"
	CodePoolExhausted  = "pool_exhausted"
	CodeModuleNotFound = "module_not_found"
	CodeNotFound       = "not_found"
	CodeProtocolError  = "protocol_error"
	CodeInternalError  = "internal_error"
)

type rpcRequest struct {
	Payload string `json:"payload"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

// Server serves the provisioning RPCs.
type Server struct {
	engine *engine.Engine
	http   *http.Server
}

// New builds a Server bound to addr.
func New(addr string, eng *engine.Engine) *Server {
	s := &Server{engine: eng}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router returns the HTTP handler. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/rpc/upload", s.handleUpload)
	r.Post("/rpc/request", s.handleRequest)
	r.Post("/rpc/available", s.handleAvailable)
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	count, err := s.engine.Upload(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, count)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	sealed, err := s.engine.Request(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, sealed)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	count, err := s.engine.AvailableKeyCount(r.Context(), []byte(payload))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, count)
}

func readPayload(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: &rpcError{
			Code:    CodeProtocolError,
			Message: "body must be a JSON object with a non-empty payload field",
		}})
		return "", false
	}
	return req.Payload, true
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, rpcResponse{Result: result})
}

// writeError translates domain errors into wire codes. Anything not in the
// taxonomy is logged server-side and reported as internal_error with no
// detail.
func writeError(w http.ResponseWriter, err error) {
	var code string
	var status int
	switch {
	case errors.Is(err, engine.ErrAuthentication):
		code, status = CodeAuthError, http.StatusForbidden
	case errors.Is(err, engine.ErrPoolExhausted):
		code, status = CodePoolExhausted, http.StatusConflict
	case errors.Is(err, keymod.ErrModuleNotFound):
		code, status = CodeModuleNotFound, http.StatusInternalServerError
	case errors.Is(err, registry.ErrProjectNotFound):
		code, status = CodeNotFound, http.StatusNotFound
	case errors.Is(err, engine.ErrBadPayload):
		code, status = CodeProtocolError, http.StatusBadRequest
	default:
		logging.Errorf("rpc failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, rpcResponse{Error: &rpcError{
			Code:    CodeInternalError,
			Message: "internal error",
		}})
		return
	}
	writeJSON(w, status, rpcResponse{Error: &rpcError{Code: code, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Errorf("response write failed: %v", err)
	}
}
