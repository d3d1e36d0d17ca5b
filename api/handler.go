package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/aptospay/offline-reconciler/entities"
)

type Handler struct {
	sp StatusProvider
}

type StatusProvider interface {
	PendingTransactions() ([]entities.Transaction, error)
	SettledTransactions() ([]entities.Transaction, error)
	LedgerReachability() entities.Reachability
}

type StatusResponse struct {
	PendingPayloads  int    `json:"pendingPayloads"`
	LedgerReachable  bool   `json:"ledgerReachable"`
	LedgerConnection string `json:"ledgerConnection"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type TransactionsResponse struct {
	Transactions []entities.Transaction `json:"transactions"`
}

func NewHandler(sp StatusProvider) *Handler {
	return &Handler{sp: sp}
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(HealthResponse{
		Status: "UP",
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	pending, err := h.sp.PendingTransactions()
	if err != nil {
		log.Printf("Error getting pending transactions: %v", err)
		http.Error(w, "Error getting pending transactions", 500)
		return
	}

	reachability := h.sp.LedgerReachability()
	w.Header().Add("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(StatusResponse{
		PendingPayloads:  len(pending),
		LedgerReachable:  reachability == entities.ReachabilityReachable,
		LedgerConnection: reachability.String(),
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}

func (h *Handler) GetPendingTransactions(w http.ResponseWriter, _ *http.Request) {
	pending, err := h.sp.PendingTransactions()
	if err != nil {
		log.Printf("Error getting pending transactions: %v", err)
		http.Error(w, "Error getting pending transactions", 500)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(TransactionsResponse{
		Transactions: pending,
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}

func (h *Handler) GetSettledTransactions(w http.ResponseWriter, _ *http.Request) {
	settled, err := h.sp.SettledTransactions()
	if err != nil {
		log.Printf("Error getting settled transactions: %v", err)
		http.Error(w, "Error getting settled transactions", 500)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(TransactionsResponse{
		Transactions: settled,
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}
