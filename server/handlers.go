package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/projecteru2/chrysalis/lifecycle"
	"github.com/projecteru2/chrysalis/registry"
	"github.com/projecteru2/chrysalis/store"
	"github.com/projecteru2/chrysalis/types"
)

// maxBodyBytes caps the registration request body.
const maxBodyBytes = 1 << 20

type handlers struct {
	reg *registry.Registry
}

// ack is the success body for operations without a richer result.
type ack struct {
	Message string `json:"message"`
}

// errorBody pairs a stable machine-readable kind with a human message.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req types.VMRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed record: " + err.Error(), Kind: "invalid_record"})
		return
	}
	rec, err := h.reg.Register(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Run(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack{Message: "VM started"})
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	info, err := h.reg.Connect(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Stop(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack{Message: "VM stopped"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reg.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Unregister(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack{Message: "VM unregistered"})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.reg.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*types.VMRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// errKinds maps each error kind to its HTTP status and wire name.
// Order matters: first match wins.
var errKinds = []struct {
	target error
	status int
	kind   string
}{
	{registry.ErrNotFound, http.StatusNotFound, "not_found"},
	{registry.ErrInvalidRecord, http.StatusBadRequest, "invalid_record"},
	{registry.ErrDuplicateName, http.StatusConflict, "duplicate_name"},
	{registry.ErrAddressConflict, http.StatusConflict, "address_conflict"},
	{registry.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{lifecycle.ErrAlreadyRunning, http.StatusConflict, "already_running"},
	{lifecycle.ErrNotRunning, http.StatusConflict, "not_running"},
	{lifecycle.ErrTransitionInProgress, http.StatusConflict, "transition_in_progress"},
	{lifecycle.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{lifecycle.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{registry.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{registry.ErrDriverFailure, http.StatusInternalServerError, "driver_failure"},
	{store.ErrUnavailable, http.StatusInternalServerError, "store_unavailable"},
}

func writeError(w http.ResponseWriter, err error) {
	for _, k := range errKinds {
		if errors.Is(err, k.target) {
			writeJSON(w, k.status, errorBody{Error: err.Error(), Kind: k.kind})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "internal"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
