// Package brokerapi serves read-only HTTP introspection over a running
// broker: which channels exist and who subscribes to them. It changes
// nothing; operators use it to check registry state while traffic flows.
package brokerapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/engeenity/snakemq-pubsub/internal/pubsub"
)

type Server struct {
	broker  *pubsub.Broker
	started time.Time
}

func NewServer(b *pubsub.Broker) *Server {
	return &Server{broker: b, started: time.Now()}
}

// Register installs the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/channels/", s.handleChannel)
}

type channelSummary struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

type statusResponse struct {
	Identity      string `json:"identity"`
	Channels      int    `json:"channels"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type channelsResponse struct {
	Channels []channelSummary `json:"channels"`
}

type channelDetail struct {
	Channel     string   `json:"channel"`
	Subscribers []string `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Identity:      s.broker.Identity(),
		Channels:      len(s.broker.Registry().Channels()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts := s.broker.Registry().Channels()
	out := make([]channelSummary, 0, len(counts))
	for channel, n := range counts {
		out = append(out, channelSummary{Channel: channel, Subscribers: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	writeJSON(w, http.StatusOK, channelsResponse{Channels: out})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/channels/"), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "channel name missing")
		return
	}
	subscribers := s.broker.Registry().Subscribers(name)
	if subscribers == nil {
		subscribers = []string{}
	}
	sort.Strings(subscribers)
	writeJSON(w, http.StatusOK, channelDetail{Channel: name, Subscribers: subscribers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
