package proxy

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/vertexstream/vidproxy/internal/domain"
)

type entriesResponse struct {
	Count      int          `json:"count"`
	TotalBytes int64        `json:"total_bytes"`
	Entries    []debugEntry `json:"entries"`
}

type debugEntry struct {
	domain.CacheEntry
	SourceURL string `json:"source_url,omitempty"`
}

// handleStats serves the latency tracker quantiles as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.tracker.GetAllStats()); err != nil {
		s.logger.Warn("failed to encode stats", zap.Error(err))
	}
}

// handleEntries lists the current cache entries with stat-derived sizes
// and, when the sidecar has them, their source URLs.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.store.ListEntries()
	if err != nil {
		s.logger.Error("failed to list entries", zap.Error(err))
		http.Error(w, "failed to list entries", http.StatusInternalServerError)
		return
	}

	resp := entriesResponse{Entries: make([]debugEntry, 0, len(entries))}
	for _, e := range entries {
		de := debugEntry{CacheEntry: e}
		if s.meta != nil {
			if src, ok := s.meta.SourceURL(e.Key); ok {
				de.SourceURL = src
			}
		}
		resp.Entries = append(resp.Entries, de)
		resp.TotalBytes += e.SizeBytes
	}
	resp.Count = len(resp.Entries)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode entries", zap.Error(err))
	}
}
