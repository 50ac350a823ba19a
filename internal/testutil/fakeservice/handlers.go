package fakeservice

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/randomizedcoder/go-taler-harness/internal/talerconfig"
)

// RequestStats is the body of GET /testing/requests on every fake daemon:
// how often each path was requested, the stats endpoint excluded.
type RequestStats struct {
	Requests map[string]int `json:"requests"`
}

// daemon holds what every fake HTTP daemon shares.
type daemon struct {
	name     string
	currency string
	mux      *http.ServeMux

	mu       sync.Mutex
	requests map[string]int
}

func newDaemon(name string, cfg *talerconfig.Config) *daemon {
	currency, _ := cfg.GetString("taler", "currency")
	d := &daemon{
		name:     name,
		currency: currency,
		mux:      http.NewServeMux(),
		requests: make(map[string]int),
	}
	d.mux.HandleFunc("GET /config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":     d.name,
			"version":  Version,
			"currency": d.currency,
		})
	})
	d.mux.HandleFunc("GET /testing/requests", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		stats := RequestStats{Requests: make(map[string]int, len(d.requests))}
		for k, v := range d.requests {
			stats.Requests[k] = v
		}
		d.mu.Unlock()
		writeJSON(w, http.StatusOK, stats)
	})
	return d
}

func (d *daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/testing/requests" {
		d.mu.Lock()
		d.requests[r.URL.Path]++
		d.mu.Unlock()
	}
	d.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, hint string) {
	writeJSON(w, status, map[string]any{"code": status, "hint": hint})
}

// newBank fakes taler-bank-manage serve-http.
func newBank(cfg *talerconfig.Config) http.Handler {
	d := newDaemon("taler-bank", cfg)

	var mu sync.Mutex
	accounts := map[string]string{}

	d.mux.HandleFunc("POST /testing/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			writeError(w, http.StatusBadRequest, "username and password required")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := accounts[req.Username]; ok {
			writeError(w, http.StatusConflict, "username taken")
			return
		}
		accounts[req.Username] = req.Password
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	d.mux.HandleFunc("GET /testing/accounts", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		names := make([]string, 0, len(accounts))
		for name := range accounts {
			names = append(names, name)
		}
		mu.Unlock()
		sort.Strings(names)
		writeJSON(w, http.StatusOK, map[string][]string{"accounts": names})
	})
	return d
}

// KeysResponse is the subset of the exchange's /keys the fake serves.
type KeysResponse struct {
	Version         string `json:"version"`
	Currency        string `json:"currency"`
	MasterPublicKey string `json:"master_public_key"`
}

// newExchange fakes taler-exchange-httpd.
func newExchange(cfg *talerconfig.Config) http.Handler {
	d := newDaemon("taler-exchange", cfg)
	masterPub, _ := cfg.GetString("exchange", "master_public_key")

	d.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, KeysResponse{
			Version:         Version,
			Currency:        d.currency,
			MasterPublicKey: masterPub,
		})
	})
	d.mux.HandleFunc("GET /management/keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]any{
			"future_denoms":   {},
			"future_signkeys": {},
		})
	})
	d.mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		writeJSON(w, http.StatusOK, body)
	})
	return d
}

// newMerchant fakes taler-merchant-httpd.
func newMerchant(cfg *talerconfig.Config) http.Handler {
	d := newDaemon("taler-merchant", cfg)

	var mu sync.Mutex
	instances := map[string]json.RawMessage{}

	d.mux.HandleFunc("POST /management/instances", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			writeError(w, http.StatusBadRequest, "instance id required")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := instances[req.ID]; ok {
			writeError(w, http.StatusConflict, "instance exists")
			return
		}
		instances[req.ID] = raw
		w.WriteHeader(http.StatusNoContent)
	})
	d.mux.HandleFunc("GET /management/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		raw, ok := instances[r.PathValue("id")]
		mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "unknown instance")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})
	return d
}
