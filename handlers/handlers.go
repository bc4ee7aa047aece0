// Package handlers holds the demo application served behind the guard.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

func Home(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Gatewarden: Home OK")
}

// Login authenticates against users and answers 401 on a mismatch, which
// the login guard counts as a failed attempt.
func Login(users map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.FormValue("user")
		pass := r.FormValue("pass")
		if want, ok := users[user]; !ok || user == "" || want != pass {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user": user})
	}
}

type Product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

var catalogue = []Product{
	{1, "Widget", 9.99},
	{2, "Gadget", 24.50},
	{3, "Gizmo", 3.75},
}

func Products(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalogue)
}

type Invoice struct {
	ID       int     `json:"id"`
	Customer string  `json:"customer"`
	Total    float64 `json:"total"`
}

// Invoices keeps created invoices in memory.
type Invoices struct {
	mu    sync.Mutex
	items []Invoice
}

func (h *Invoices) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.mu.Lock()
		items := append([]Invoice(nil), h.items...)
		h.mu.Unlock()
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var inv Invoice
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil || inv.Customer == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid invoice"})
			return
		}
		h.mu.Lock()
		inv.ID = len(h.items) + 1
		h.items = append(h.items, inv)
		h.mu.Unlock()
		writeJSON(w, http.StatusCreated, inv)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
