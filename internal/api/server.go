// Package api exposes the faucet over HTTP with jsend-style responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/satfaucet/faucetd/internal/faucet"
	"github.com/satfaucet/faucetd/internal/indexer"
	"github.com/satfaucet/faucetd/internal/preload"
	"github.com/satfaucet/faucetd/internal/storage"
	"github.com/satfaucet/faucetd/internal/wallet"
	"github.com/satfaucet/faucetd/pkg/helpers"
	"github.com/satfaucet/faucetd/pkg/logging"
)

// response is the jsend envelope. Data is set for success and fail,
// Message for error.
type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// VersionInfo is reported by /version.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Server serves the faucet HTTP API.
type Server struct {
	faucet  *faucet.Faucet
	version VersionInfo
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener
}

// NewServer creates an HTTP API server for a faucet.
func NewServer(f *faucet.Faucet, version VersionInfo) *Server {
	s := &Server{
		faucet:  f,
		version: version,
		log:     logging.GetDefault().Component("api"),
		wsHub:   NewWSHub(),
	}
	f.SetNotifier(s.wsHub)
	return s
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /withdrawal", s.handleWithdrawal)
	mux.HandleFunc("GET /preload", s.handlePreload)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /donation", s.handleDonation)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /events", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeFail(w, "missing address parameter")
		return
	}
	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeFail(w, err.Error())
		return
	}

	result, err := s.faucet.MakeWithdrawal(r.Context(), address, amount)
	if err != nil {
		s.writeFaucetError(w, "withdrawal", err)
		return
	}
	writeSuccess(w, result)
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeFail(w, "missing name parameter")
		return
	}

	bundle, err := s.faucet.GetPreload(r.Context(), name)
	if err != nil {
		s.writeFaucetError(w, "preload", err)
		return
	}
	writeSuccess(w, bundle)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.faucet.Status()
	writeSuccess(w, map[string]any{
		"state":         st.State,
		"network":       st.Network,
		"balance":       st.Balance,
		"balanceBTC":    helpers.FormatBTC(st.Balance),
		"withdrawalMax": st.WithdrawalMax,
		"indexerUrl":    st.IndexerURL,
		"preloads":      st.Preloads,
	})
}

func (s *Server) handleDonation(w http.ResponseWriter, r *http.Request) {
	address, err := s.faucet.DonationAddress()
	if err != nil {
		s.writeFaucetError(w, "donation", err)
		return
	}
	writeSuccess(w, map[string]string{"address": address})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.version)
}

// writeFaucetError maps a faucet error onto the envelope. Client
// mistakes become fail responses; everything else is an error response
// with the detail kept in the log.
func (s *Server) writeFaucetError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, faucet.ErrInvalidAddress),
		errors.Is(err, faucet.ErrAmountOutOfRange),
		errors.Is(err, preload.ErrUnknownType):
		writeFail(w, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeFail(w, "faucet balance is too low, try again later")
	case errors.Is(err, preload.ErrUnavailable):
		writeError(w, "preload temporarily unavailable, try again later")
	case errors.Is(err, faucet.ErrNotReady):
		writeError(w, "faucet is starting up, try again later")
	case errors.Is(err, indexer.ErrIndexerUnavailable),
		errors.Is(err, indexer.ErrRateLimited),
		errors.Is(err, indexer.ErrBroadcastRejected),
		errors.Is(err, storage.ErrDatabaseMismatch),
		errors.Is(err, wallet.ErrBuildFailed):
		s.log.Error("request failed", "op", op, "error", err)
		writeError(w, "internal error")
	default:
		s.log.Error("request failed", "op", op, "error", err)
		writeError(w, "internal error")
	}
}

// parseAmount accepts satoshis as an integer or bitcoin as a decimal
// string.
func parseAmount(raw string) (uint64, error) {
	if raw == "" {
		return 0, errors.New("missing amount parameter")
	}
	if strings.Contains(raw, ".") {
		amount, err := helpers.ParseBTC(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		return amount, nil
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, code int, resp *response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, &response{Status: "success", Data: data})
}

func writeFail(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, &response{
		Status: "fail",
		Data:   map[string]string{"reason": message},
	})
}

func writeError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, &response{Status: "error", Message: message})
}

// corsMiddleware allows browser clients from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
