package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const defaultHistoryLimit = 100

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"broker": s.broker.Name(),
	}
	if settings, err := s.store.LoadSettings(); err == nil && len(settings) > 0 {
		if open, oerr := s.broker.IsMarketOpen(r.Context(), settings[0].Symbol); oerr == nil {
			status["market_open"] = open
		}
	}
	s.writeJSON(w, status)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.LoadSettings()
	if err != nil {
		s.logger.Error("Failed to load settings", zap.Error(err))
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, settings)
}

func (s *Server) handleBuyIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.store.LoadBuyIntents()
	if err != nil {
		s.logger.Error("Failed to load buy intents", zap.Error(err))
		http.Error(w, "Failed to load buy intents", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, intents)
}

func (s *Server) handleSellIntents(w http.ResponseWriter, r *http.Request) {
	sells, err := s.store.LoadSellIntents()
	if err != nil {
		s.logger.Error("Failed to load sell intents", zap.Error(err))
		http.Error(w, "Failed to load sell intents", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, sells)
}

func historyLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultHistoryLimit
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.trades.ListFills(r.Context(), historyLimit(r))
	if err != nil {
		s.logger.Error("Failed to list fills", zap.Error(err))
		http.Error(w, "Failed to list fills", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, fills)
}

func (s *Server) handleRoundTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.trades.ListRoundTrips(r.Context(), historyLimit(r))
	if err != nil {
		s.logger.Error("Failed to list round trips", zap.Error(err))
		http.Error(w, "Failed to list round trips", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trips)
}
