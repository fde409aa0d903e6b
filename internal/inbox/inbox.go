// Package inbox exposes the HTTPS endpoint a peer's direct-delivery
// and group-fanout attempts POST signed envelopes to: a thin handler
// over a single typed pipeline call.
package inbox

import (
	"io"
	"net/http"

	"github.com/adamavenir/cc4me/internal/errs"
	"github.com/adamavenir/cc4me/internal/groupfanout"
	"github.com/adamavenir/cc4me/internal/logging"
	"github.com/adamavenir/cc4me/internal/pipeline"
)

// MaxEnvelopeBytes bounds a single inbound POST body.
const MaxEnvelopeBytes = 1 << 20 // 1 MiB

// Server serves one agent's inbox across every community it belongs to.
type Server struct {
	pipeline *pipeline.Pipeline
	members  *groupfanout.MemberCache
	log      *logging.Logger
}

// New constructs an inbox Server delegating decoded envelopes to p.
func New(p *pipeline.Pipeline, members *groupfanout.MemberCache) *Server {
	return &Server{pipeline: p, members: members, log: logging.New("inbox")}
}

// Routes mounts the inbox surface: POST /inbox/{community} receives one
// signed envelope and hands it to the pipeline for validate+dispatch.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inbox/{community}", s.handleDeliver)
	mux.HandleFunc("GET /inbox/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	community := r.PathValue("community")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxEnvelopeBytes+1))
	defer r.Body.Close()
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "read envelope body", err))
		return
	}
	if len(body) > MaxEnvelopeBytes {
		writeError(w, errs.New(errs.Validation, "envelope too large"))
		return
	}

	if err := s.pipeline.Receive(r.Context(), community, s.members, body); err != nil {
		s.log.Warnf("reject envelope from community %s: %v", community, err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(errs.KindOf(err))
	if status == 0 {
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
