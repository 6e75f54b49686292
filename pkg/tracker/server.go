package tracker

import (
	"encoding/json"
	"net/http"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
)

// Server exposes the directory over HTTP: GET /peers, POST /add,
// POST /remove, POST /peer_offline. Replies are small JSON bodies.
type Server struct {
	index Index
}

func NewServer(index Index) *Server {
	return &Server{index: index}
}

// Handler builds the route table. Exposed separately from Serve so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/add", s.handleAdd)
	mux.HandleFunc("/remove", s.handleRemove)
	mux.HandleFunc("/peer_offline", s.handlePeerOffline)
	return mux
}

// Serve blocks on ListenAndServe.
func (s *Server) Serve(addr string) error {
	logger.Sugar.Infof("[Tracker] listening: addr=%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	peers, err := s.index.PeersFor(filename)
	if err != nil {
		logger.Sugar.Errorf("[Tracker] peers lookup failed: filename=%s err=%v", filename, err)
		http.Error(w, "index error", http.StatusInternalServerError)
		return
	}
	if peers == nil {
		peers = []string{}
	}

	writeJSON(w, map[string]any{"filename": filename, "peers": peers})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	ip, filename, ok := mappingParams(w, r)
	if !ok {
		return
	}

	if err := s.index.AddMapping(ip, filename); err != nil {
		logger.Sugar.Errorf("[Tracker] add failed: ip=%s filename=%s err=%v", ip, filename, err)
		http.Error(w, "index error", http.StatusInternalServerError)
		return
	}

	logger.Sugar.Infof("[Tracker] added mapping: ip=%s filename=%s", ip, filename)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ip, filename, ok := mappingParams(w, r)
	if !ok {
		return
	}

	if err := s.index.RemoveMapping(ip, filename); err != nil {
		logger.Sugar.Errorf("[Tracker] remove failed: ip=%s filename=%s err=%v", ip, filename, err)
		http.Error(w, "index error", http.StatusInternalServerError)
		return
	}

	logger.Sugar.Infof("[Tracker] removed mapping: ip=%s filename=%s", ip, filename)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePeerOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, "ip is required", http.StatusBadRequest)
		return
	}

	if err := s.index.DropPeer(ip); err != nil {
		logger.Sugar.Errorf("[Tracker] peer_offline failed: ip=%s err=%v", ip, err)
		http.Error(w, "index error", http.StatusInternalServerError)
		return
	}

	logger.Sugar.Infof("[Tracker] peer offline: ip=%s", ip)
	writeJSON(w, map[string]string{"status": "removed"})
}

func mappingParams(w http.ResponseWriter, r *http.Request) (ip, filename string, ok bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", "", false
	}
	q := r.URL.Query()
	ip, filename = q.Get("ip"), q.Get("filename")
	if ip == "" || filename == "" {
		http.Error(w, "ip and filename are required", http.StatusBadRequest)
		return "", "", false
	}
	return ip, filename, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("[Tracker] write response failed: err=%v", err)
	}
}
