package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/common/logging"
	"order-router/internal/queue"
	"order-router/internal/routing"
	"order-router/internal/split"
	"order-router/internal/storage"
	"order-router/internal/team"
)

// TeamDirectory resolves team rosters for routing decisions that
// target a team. Implemented by the staff directory client.
type TeamDirectory interface {
	Team(ctx context.Context, teamID string) (*team.Team, error)
}

type Handlers struct {
	engine   *routing.Engine
	queues   *queue.Manager
	ledger   *split.Ledger
	storage  storage.Storage
	balancer *team.Balancer
	teams    TeamDirectory
	logger   logging.Logger
}

func New(engine *routing.Engine, queues *queue.Manager, ledger *split.Ledger,
	store storage.Storage, balancer *team.Balancer, teams TeamDirectory, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		engine:   engine,
		queues:   queues,
		ledger:   ledger,
		storage:  store,
		balancer: balancer,
		teams:    teams,
		logger:   logger,
	}
}

// Router builds the API route table.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rules", h.ListRules).Methods("GET")
	api.HandleFunc("/rules", h.CreateRule).Methods("POST")
	api.HandleFunc("/rules/conflicts", h.ConflictReport).Methods("GET")
	api.HandleFunc("/rules/{id:[0-9]+}", h.GetRule).Methods("GET")
	api.HandleFunc("/rules/{id:[0-9]+}", h.UpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id:[0-9]+}", h.DeleteRule).Methods("DELETE")

	api.HandleFunc("/profiles", h.ListProfiles).Methods("GET")
	api.HandleFunc("/profiles", h.SaveProfile).Methods("POST")
	api.HandleFunc("/profiles/{id}", h.GetProfile).Methods("GET")
	api.HandleFunc("/profiles/{id}", h.DeleteProfile).Methods("DELETE")

	api.HandleFunc("/orders/route", h.RouteOrder).Methods("POST")

	api.HandleFunc("/queues/{queueID}/items", h.QueueState).Methods("GET")
	api.HandleFunc("/queues/{queueID}/items/{itemID}", h.QueueItem).Methods("GET")
	api.HandleFunc("/queues/{queueID}/items/{itemID}/status", h.TransitionItem).Methods("POST")
	api.HandleFunc("/queues/{queueID}/items/{itemID}/hold", h.HoldItem).Methods("POST")
	api.HandleFunc("/queues/{queueID}/items/{itemID}/release", h.ReleaseItem).Methods("POST")
	api.HandleFunc("/queues/{queueID}/items/{itemID}/expedite", h.ExpediteItem).Methods("POST")
	api.HandleFunc("/queues/{queueID}/items/{itemID}/score", h.AdjustItemScore).Methods("POST")
	api.HandleFunc("/queues/{queueID}/rebalance", h.RebalanceQueue).Methods("POST")
	api.HandleFunc("/queues/{queueID}/fairness", h.QueueFairness).Methods("GET")

	api.HandleFunc("/splits", h.SplitOrder).Methods("POST")
	api.HandleFunc("/splits/merge", h.MergeSplits).Methods("POST")
	api.HandleFunc("/splits/{id}", h.GetSplit).Methods("GET")
	api.HandleFunc("/orders/{orderID}/splits", h.ListOrderSplits).Methods("GET")

	return r
}

// Health reports liveness and storage reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h.storage != nil {
		if err := h.storage.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["storage"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// writeError maps domain error types onto HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateKey):
		code = http.StatusConflict
	default:
		switch apperrors.GetType(err) {
		case apperrors.ErrTypeValidation:
			code = http.StatusBadRequest
		case apperrors.ErrTypeNotFound:
			code = http.StatusNotFound
		case apperrors.ErrTypeInvalidTransition, apperrors.ErrTypeSplitConflict:
			code = http.StatusConflict
		case apperrors.ErrTypeSplitMismatch:
			code = http.StatusUnprocessableEntity
		case apperrors.ErrTypeTimeout:
			code = http.StatusGatewayTimeout
		}
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Type: string(apperrors.GetType(err))})
}

func decodeBody(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return apperrors.ValidationError("malformed request body: " + err.Error())
	}
	return nil
}
