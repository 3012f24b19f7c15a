// Package api serves the registry, the rendezvous relay and the
// reference-time endpoint over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/registry"
	"beatsync/relay"
)

// rttWindow is how many recent round trips the median is taken over.
const rttWindow = 10

const maxBody = 64 << 10

type Server struct {
	Registry *registry.Registry
	Relay    *relay.Relay
	Clock    clock.Clock
	Log      logrus.FieldLogger

	mu   sync.Mutex
	rtts []float64
}

func New(reg *registry.Registry, rel *relay.Relay, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{Registry: reg, Relay: rel, Clock: clock.System{}, Log: log}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/timesync", s.timesync).Methods(http.MethodPost)
	r.HandleFunc("/api/leaders", s.listOrGetLeader).Methods(http.MethodGet)
	r.HandleFunc("/api/leaders", s.createLeader).Methods(http.MethodPost)
	r.HandleFunc("/api/leaders", s.updateLeader).Methods(http.MethodPut)
	r.HandleFunc("/api/signal", s.getSignal).Methods(http.MethodGet)
	r.HandleFunc("/api/signal", s.postSignal).Methods(http.MethodPost)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Server) timesync(w http.ResponseWriter, r *http.Request) {
	t2 := clock.Millis(s.Clock.Now())

	var req clock.TimesyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil || req.ClientTime == 0 {
		writeError(w, http.StatusBadRequest, "missing clientTime")
		return
	}
	rtt := t2 - req.ClientTime
	median := s.recordRTT(rtt)

	resp := clock.TimesyncResponse{
		ClientTime: req.ClientTime,
		T2:         t2,
		RTT:        rtt,
		MedianRTT:  median,
	}
	// T3 is stamped right before the write; logging comes after.
	resp.T3 = clock.Millis(s.Clock.Now())
	writeJSON(w, http.StatusOK, resp)
	s.Log.WithFields(logrus.Fields{
		"clientTime": req.ClientTime,
		"t2":         t2,
		"t3":         resp.T3,
		"rtt":        rtt,
		"medianRtt":  median,
	}).Debug("timesync")
}

// recordRTT adds rtt to the window and returns the window's upper median.
func (s *Server) recordRTT(rtt float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtts = append(s.rtts, rtt)
	if len(s.rtts) > rttWindow {
		s.rtts = s.rtts[len(s.rtts)-rttWindow:]
	}
	sorted := append([]float64(nil), s.rtts...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func (s *Server) listOrGetLeader(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("label")
	if key == "" {
		key = q.Get("id")
	}
	if key != "" {
		sess, err := s.Registry.Get(r.Context(), key)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}
	all, err := s.Registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) createLeader(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.Registry.Create(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) updateLeader(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.Registry.Update(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) postSignal(w http.ResponseWriter, r *http.Request) {
	var body relay.PostBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Relay.Post(r.Context(), body.Type, body.Label, body.Payload); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) getSignal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, label := q.Get("type"), q.Get("label")
	if kind == "" || label == "" {
		writeError(w, http.StatusBadRequest, "missing query param type or label")
		return
	}
	payload, err := s.Relay.Get(r.Context(), relay.Kind(kind), label)
	if err != nil {
		s.fail(w, err)
		return
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, relay.GetBody{Payload: payload})
}

// fail maps typed failures to status codes; anything else is a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		s.Log.WithError(err).Error("request failed")
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

// StatusCode is the HTTP status for err.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrInvalidArgument), errors.Is(err, relay.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
