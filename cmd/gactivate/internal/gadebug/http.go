// Package gadebug serves a read-only HTTP view of a coordinator.
package gadebug

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gordian-engine/gactivate/gactivate"
	"github.com/gorilla/mux"
)

// StatusSource is satisfied by [*gactivate.Coordinator].
type StatusSource interface {
	Status(ctx context.Context) (gactivate.Status, error)
	HighestCommittedVersion() uint64
}

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Status StatusSource
}

// NewHTTPServer starts serving on cfg.Listener
// until ctx is cancelled.
func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// h.serve returned on its own.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/debug/activation/status", handleStatus(log, cfg)).Methods("GET")
	r.HandleFunc("/debug/activation/committed", handleCommitted(log, cfg)).Methods("GET")

	return r
}

func handleStatus(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		s, err := cfg.Status.Status(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newJSONStatus(s)); err != nil {
			log.Warn("Failed to marshal activation status", "err", err)
			return
		}
	}
}

func handleCommitted(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		v := cfg.Status.HighestCommittedVersion()
		if _, err := w.Write([]byte(strconv.FormatUint(v, 10) + "\n")); err != nil {
			log.Debug("Failed to write committed version", "err", err)
		}
	}
}

// JSON views use strings for enums and durations,
// so the output is readable with curl.

type jsonStatus struct {
	HighestCommittedVersion uint64
	Current                 *jsonRound `json:",omitempty"`
	History                 []jsonOutcome
}

type jsonRound struct {
	RoundID string
	Version uint64
	Phase   string

	Started, Deadline time.Time

	Nodes []jsonNode
}

type jsonNode struct {
	ID               string
	Outcome          string
	Attempts         int
	Outstanding      bool
	LastAckedVersion uint64
}

type jsonOutcome struct {
	RoundID  string
	Version  uint64
	Kind     string
	Reason   string `json:",omitempty"`
	Duration string

	Counts gactivate.RoundCounts
}

func newJSONStatus(s gactivate.Status) jsonStatus {
	js := jsonStatus{
		HighestCommittedVersion: s.HighestCommittedVersion,
		History:                 make([]jsonOutcome, len(s.History)),
	}

	if c := s.Current; c != nil {
		r := &jsonRound{
			RoundID:  c.RoundID.String(),
			Version:  c.Version,
			Phase:    c.Phase.String(),
			Started:  c.Started,
			Deadline: c.Deadline,
			Nodes:    make([]jsonNode, len(c.Nodes)),
		}
		for i, n := range c.Nodes {
			r.Nodes[i] = jsonNode{
				ID:               string(n.ID),
				Outcome:          n.Outcome.String(),
				Attempts:         n.Attempts,
				Outstanding:      n.Outstanding,
				LastAckedVersion: n.LastAckedVersion,
			}
		}
		js.Current = r
	}

	for i, o := range s.History {
		jo := jsonOutcome{
			RoundID:  o.RoundID.String(),
			Version:  o.Version,
			Kind:     o.Kind.String(),
			Duration: o.Duration().String(),
			Counts:   o.Counts,
		}
		if o.Kind == gactivate.OutcomeAborted {
			jo.Reason = o.Reason.String()
		}
		js.History[i] = jo
	}

	return js
}
