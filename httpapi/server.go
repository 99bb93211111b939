// Package httpapi maps HTTP requests onto market operations.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/market"
)

const maxBodyBytes = 64 << 10

// Help is served at the root.
const Help = "Welcome to the Pixel Write Exchange!\n" +
	"All requests should have the 'Authorization' header set to a unique identifiable token of up to 30 characters that will be used for your balance. Surrounding spaces will be stripped.\n" +
	"GET /tasks to get the top ten highest paying tasks. You may provide ?minimum_pay=<decimal> to filter.\n" +
	"\tFormat: {\"id\": task_id, \"pay\": task_pay, \"x\": x_coord, \"y\": y_coord, \"color\": hex_color}\n" +
	"GET /tasks/<taskid> to claim a task. The claim lasts for the reservation window.\n" +
	"POST /tasks/<taskid> to submit a task. We verify the pixel on the canvas and pay you on a match. Verification waits out canvas rate limits, so it may take a while.\n" +
	"POST /tasks to create a task. This endpoint accepts a JSON request in the same format as is returned from a GET from /tasks.\n" +
	"DELETE /tasks/<taskid> to withdraw a task you created and get its pay back.\n" +
	"GET /stats for marketplace statistics, and your own when authorized.\n" +
	"GET /history for your balance journal.\n" +
	"GET /events (Server-Sent Events) or /events/ws (WebSocket) to follow marketplace events. You may provide ?kind=task_created,task_completed to filter.\n"

// Config configures a Server.
type Config struct {
	Logger *logging.Logger

	// Events, when set, is mounted at /events and /events/ws.
	Events *EventHub
}

// Server routes HTTP requests to a market service.
type Server struct {
	svc    *market.Service
	events *EventHub
	logger *logging.Logger
	mux    *http.ServeMux
}

// New creates a server.
func New(svc *market.Service, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		svc:    svc,
		events: cfg.Events,
		logger: logger.WithComponent("http"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /{$}", s.handleHelp)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /tasks", s.handleList)
	s.mux.HandleFunc("POST /tasks", s.handleCreate)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleReserve)
	s.mux.HandleFunc("POST /tasks/{id}", s.handleSubmit)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("POST /balance", s.handleAdjust)
	if s.events != nil {
		s.mux.HandleFunc("GET /events", s.events.HandleSSE)
		s.mux.HandleFunc("GET /events/ws", s.events.HandleWebSocket)
	}
	return s
}

// Handler returns the instrumented handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.logRequests(s.mux), "pixelmarket")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

type requestLoggerKey struct{}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.WithRequestID(uuid.NewString())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLoggerKey{}, logger)))

		logger.Debug("request", map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) requestLogger(r *http.Request) *logging.Logger {
	if l, ok := r.Context().Value(requestLoggerKey{}).(*logging.Logger); ok {
		return l
	}
	return s.logger
}

// caller identifies the request. When required is false a missing
// header yields a nil caller.
func (s *Server) caller(r *http.Request, required bool) (*market.Caller, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" && !required {
		return nil, nil
	}
	return s.svc.Identify(r.Context(), raw)
}

func taskID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.InvalidInput("task id must be a positive integer", errors.WithMetadata("field", "id"))
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidInput("malformed JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, Help)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if _, err := s.caller(r, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	var minPay *decimal.Decimal
	if raw := r.URL.Query().Get("minimum_pay"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			s.writeError(w, r, errors.InvalidInput("minimum_pay must be a number", errors.WithMetadata("field", "minimum_pay")))
			return
		}
		minPay = &v
	}
	listed, err := s.svc.ListTasks(r.Context(), minPay)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req market.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.svc.CreateTask(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, market.Listing{ID: task.ID, Pay: task.Pay, X: task.X, Y: task.Y, Color: task.Color})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.ReserveTask(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.svc.SubmitTask(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refund, err := s.svc.DeleteTask(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.svc.Stats(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.svc.History(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type adjustRequest struct {
	Account string          `json:"account"`
	Delta   decimal.Decimal `json:"delta"`
	Reason  string          `json:"reason"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req adjustRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.svc.AdjustBalance(r.Context(), caller, req.Account, req.Delta, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "balance": balance})
}
