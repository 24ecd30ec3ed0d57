package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"icalq/internal/apperr"
	"icalq/internal/engine"
	"icalq/internal/export"
)

// Server binds the command dispatcher to HTTP.
type Server struct {
	dispatcher *Dispatcher
	logger     zerolog.Logger
	router     *mux.Router
}

// NewServer builds the HTTP binding and its routes.
func NewServer(dispatcher *Dispatcher, logger zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
		router:     mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler wrapped with request-id and access
// logging middleware.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.accessLogMiddleware(s.router))
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/command", s.handleCommand).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/calendars/{uid}/export.ics", s.handleExport).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commandRequest is the uniform command envelope: a logical command name
// plus its positional arguments (calendar UID first).
type commandRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

type commandResponse struct {
	Result any `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: string(apperr.KindParse)})
		return
	}

	reply, err := s.dispatcher.Dispatch(r.Context(), req.Cmd, req.Args)
	if err != nil {
		writeJSON(w, statusForError(err), errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{Result: replyValue(reply)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]

	var document string
	err := s.dispatcher.Store.With(uid, func(cal *engine.Calendar) error {
		var err error
		document, err = export.CalendarICS(cal, time.Now().UTC())
		return err
	})
	if err != nil {
		writeJSON(w, statusForError(err), errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(document))
}

// replyValue flattens a Reply into its JSON representation per the
// documented result shapes: 0/1 for booleans, integers for counts,
// arrays for entities and rows, null for absent entities.
func replyValue(reply *Reply) any {
	switch reply.Kind {
	case ReplyBool:
		if reply.Bool {
			return 1
		}
		return 0
	case ReplyCount:
		return reply.Count
	case ReplyLines:
		return reply.Lines
	case ReplyEntities:
		return reply.Entities
	case ReplyRows:
		return reply.Rows
	default:
		return nil
	}
}

func statusForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindParse, apperr.KindValidation, apperr.KindUnboundedExpansion:
		return http.StatusBadRequest
	case apperr.KindParseTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", requestID).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
