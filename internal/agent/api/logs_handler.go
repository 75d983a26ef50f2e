package api

import (
	"errors"
	"net/http"

	"modelplane/internal/agent/logs"
	"modelplane/internal/logrelay"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// handleServeLogs streams an instance serve log. follow keeps the response
// open and writes appended lines until the client goes away.
func (s *Server) handleServeLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	opts, err := logrelay.ParseOptions(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid log options", err)
		return
	}

	// fail before committing to a 200
	if err := s.logs.Stat(id); err != nil {
		s.writeLogError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	log := s.logger.WithFields(logrus.Fields{"instance_id": id, "follow": opts.Follow, "tail": opts.Tail})

	if !opts.Follow {
		w.WriteHeader(http.StatusOK)
		if _, err := s.logs.Tail(w, id, opts.Tail); err != nil {
			log.WithError(err).Warn("Failed to serve log")
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug("Log follow started")
	if err := s.logs.Follow(r.Context(), w, flusher.Flush, id, opts.Tail); err != nil {
		log.WithError(err).Warn("Log follow ended with error")
		return
	}
	log.Debug("Log follow ended")
}

func (s *Server) writeLogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logs.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, "Invalid instance id", err)
	case errors.Is(err, logs.ErrLogNotFound):
		s.writeError(w, http.StatusNotFound, "Log not found", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "Failed to open log", err)
	}
}
