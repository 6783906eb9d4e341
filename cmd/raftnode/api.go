package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raftcore/kv"
	"raftcore/raft"
)

const requestTimeout = 10 * time.Second

type api struct {
	rf     *raft.Raft
	store  *kv.Store
	logger *zap.Logger
}

func newAPI(rf *raft.Raft, store *kv.Store) *api {
	return &api{
		rf:     rf,
		store:  store,
		logger: raft.GetLoggerOrPanic("api").With(zap.String(raft.Member, rf.ID())),
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/command", a.handleCommand)
	mux.HandleFunc("/kv/", a.handleGet)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/servers", a.handleServers)
	mux.HandleFunc("/servers/voting", a.handleVoting)
	mux.HandleFunc("/transfer", a.handleTransfer)
	return mux
}

type errorResponse struct {
	Error         string `json:"error"`
	LeaderID      string `json:"leaderId,omitempty"`
	LeaderAddress string `json:"leaderAddress,omitempty"`
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("fail to write response", zap.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	var notLeader *raft.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		a.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:         err.Error(),
			LeaderID:      notLeader.LeaderID,
			LeaderAddress: notLeader.LeaderAddress,
		})
	case errors.Is(err, raft.ErrLeaderNotReady),
		errors.Is(err, raft.ErrLeadershipTransferring),
		errors.Is(err, raft.ErrEntryDropped):
		a.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		a.writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	case errors.Is(err, raft.ErrLeadershipTransferFailed),
		errors.Is(err, raft.ErrLeadershipTransferAborted):
		a.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

type healthResponse struct {
	ID       string        `json:"id"`
	Term     int64         `json:"term"`
	IsLeader bool          `json:"isLeader"`
	Role     raft.RoleType `json:"role"`
	LeaderID string        `json:"leaderId,omitempty"`
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st, err := a.rf.State(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, healthResponse{
		ID:       st.ID,
		Term:     st.Term,
		IsLeader: st.Role == raft.RoleLeader,
		Role:     st.Role,
		LeaderID: st.LeaderID,
	})
}

type commandRequest struct {
	ID string `json:"id,omitempty"`
	kv.Command
}

type commandResponse struct {
	ID    string `json:"id"`
	Index int64  `json:"index"`
	Term  int64  `json:"term"`
}

func (a *api) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := req.Command.Encode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	index, term, err := a.rf.Submit(ctx, req.ID, data)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, commandResponse{ID: req.ID, Index: index, Term: term})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		a.writeJSON(w, http.StatusOK, a.store.Keys())
		return
	}
	value, ok := a.store.Get(key)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st, err := a.rf.State(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func changeStatusCode(status raft.ServerChangeStatus) int {
	switch status {
	case raft.StatusOK:
		return http.StatusOK
	case raft.StatusAlreadyExists:
		return http.StatusConflict
	case raft.StatusDoesNotExist:
		return http.StatusNotFound
	case raft.StatusInvalidRequest, raft.StatusNotSupported:
		return http.StatusBadRequest
	case raft.StatusTimeout, raft.StatusPriorRequestConsensusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func (a *api) writeChange(w http.ResponseWriter, reply *raft.ServerChangeReply, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, changeStatusCode(reply.Status), reply)
}

type addServerRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Voting  bool   `json:"voting"`
}

func (a *api) handleServers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if r.Method == http.MethodDelete {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		reply, err := a.rf.RemoveServer(ctx, id)
		a.writeChange(w, reply, err)
		return
	}

	var req addServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Address == "" {
		http.Error(w, "id and address are required", http.StatusBadRequest)
		return
	}
	reply, err := a.rf.AddServer(ctx, req.ID, req.Address, req.Voting)
	a.writeChange(w, reply, err)
}

func (a *api) handleVoting(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var status map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	reply, err := a.rf.ChangeServersVotingStatus(ctx, status)
	a.writeChange(w, reply, err)
}

type transferRequest struct {
	Target string `json:"target,omitempty"`
}

func (a *api) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var err error
	if r.Method == http.MethodDelete {
		err = a.rf.AbortLeadershipTransfer(ctx)
	} else {
		var req transferRequest
		if r.ContentLength != 0 {
			if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
				http.Error(w, derr.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Target != "" {
			err = a.rf.RequestLeadership(ctx, req.Target)
		} else {
			err = a.rf.TransferLeadership(ctx, "")
		}
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
