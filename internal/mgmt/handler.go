package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/persistence"
	"github.com/rickgao/livedata/internal/server"
	"github.com/rickgao/livedata/internal/version"
)

const maxBodyBytes = 1 << 20

// Server is the part of the live data server exposed over HTTP.
type Server interface {
	Stats() server.Stats
	Subscriptions() []*server.Subscription
	Subscription(securityKey string) (*server.Subscription, bool)
	SubscriptionRequestMade(ctx context.Context, req model.SubscriptionRequest) model.SubscriptionResponseMsg
	Unsubscribe(ctx context.Context, securityKey string) bool
}

// Persistence is the persistent subscription manager.
type Persistence interface {
	Refresh(ctx context.Context) error
	Save(ctx context.Context) error
	Add(ctx context.Context, securityKey string) error
	Remove(securityKey string) bool
	Stats() persistence.Stats
}

// Heartbeats accepts encoded heartbeat messages.
type Heartbeats interface {
	Handle(data []byte) (int, error)
}

// Options wires the handler. Persistence, Heartbeats and Metrics are optional.
type Options struct {
	InstanceID  string
	Server      Server
	Persistence Persistence
	Heartbeats  Heartbeats
	Metrics     http.Handler
	MetricsPath string
	// Stats adds named component stats to GET /stats.
	Stats  map[string]func() any
	Logger *slog.Logger
}

type handler struct {
	opts   Options
	logger *slog.Logger
}

// NewHandler builds the management mux.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /subscriptions", h.subscriptions)
	mux.HandleFunc("GET /subscriptions/{key}", h.subscription)
	mux.HandleFunc("GET /stats", h.stats)
	mux.HandleFunc("POST /subscribe", h.subscribe)
	mux.HandleFunc("POST /unsubscribe", h.unsubscribe)
	if opts.Heartbeats != nil {
		mux.HandleFunc("POST /heartbeat", h.heartbeat)
	}
	if opts.Persistence != nil {
		mux.HandleFunc("POST /persistent/refresh", h.refresh)
		mux.HandleFunc("POST /persistent/save", h.save)
		mux.HandleFunc("PUT /persistent/{id}", h.addPersistent)
		mux.HandleFunc("DELETE /persistent/{id}", h.removePersistent)
	}
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.Metrics)
	}
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.opts.Server.Stats()

	health := struct {
		Status        string       `json:"status"`
		Instance      string       `json:"instance"`
		Version       version.Info `json:"version"`
		Feed          string       `json:"feed"`
		Subscriptions int          `json:"subscriptions"`
	}{
		Status:        "healthy",
		Instance:      h.opts.InstanceID,
		Version:       version.Get(),
		Feed:          string(st.Status),
		Subscriptions: st.ActiveSubscriptions,
	}

	code := http.StatusOK
	if st.Status != server.StatusConnected {
		health.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type subscriptionView struct {
	ID           string            `json:"id"`
	SecurityKey  string            `json:"security_key"`
	Persistent   bool              `json:"persistent"`
	CreatedAt    time.Time         `json:"created_at"`
	Expiry       time.Time         `json:"expiry,omitzero"`
	Addresses    []string          `json:"addresses"`
	Distributors []distributorView `json:"distributors"`
}

type distributorView struct {
	Address        string             `json:"address"`
	RuleSet        string             `json:"rule_set"`
	Spec           model.LiveDataSpec `json:"spec"`
	MessagesSent   int64              `json:"messages_sent"`
	LastKnownValue *model.ValueUpdate `json:"last_known_value,omitempty"`
}

func newSubscriptionView(s *server.Subscription) subscriptionView {
	v := subscriptionView{
		ID:           s.ID().String(),
		SecurityKey:  s.SecurityKey(),
		Persistent:   s.IsPersistent(),
		CreatedAt:    s.CreatedAt(),
		Addresses:    []string{},
		Distributors: []distributorView{},
	}
	if !v.Persistent {
		v.Expiry = s.Expiry()
	}
	for _, d := range s.Distributors() {
		ds := d.DistributionSpec()
		v.Addresses = append(v.Addresses, ds.Address)
		v.Distributors = append(v.Distributors, distributorView{
			Address:        ds.Address,
			RuleSet:        ds.RuleSetID,
			Spec:           d.FullyQualifiedSpec(),
			MessagesSent:   d.MessagesSent(),
			LastKnownValue: d.LastKnownValue(),
		})
	}
	return v
}

func (h *handler) subscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.opts.Server.Subscriptions()
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, newSubscriptionView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(out),
		"subscriptions": out,
	})
}

// subscription traces one subscription and its distributors.
func (h *handler) subscription(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sub, ok := h.opts.Server.Subscription(key)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no subscription for "+key))
		return
	}
	writeJSON(w, http.StatusOK, newSubscriptionView(sub))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"server": h.opts.Server.Stats()}
	if h.opts.Persistence != nil {
		out["persistence"] = h.opts.Persistence.Stats()
	}
	for name, fn := range h.opts.Stats {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Specs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("specs is required"))
		return
	}
	if req.Type == "" {
		req.Type = model.SubscriptionNonPersistent
	}
	writeJSON(w, http.StatusOK, h.opts.Server.SubscriptionRequestMade(r.Context(), req))
}

func (h *handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecurityKey string `json:"security_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SecurityKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("security_key is required"))
		return
	}
	removed := h.opts.Server.Unsubscribe(r.Context(), req.SecurityKey)
	writeJSON(w, http.StatusOK, map[string]any{"security_key": req.SecurityKey, "removed": removed})
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.opts.Heartbeats.Handle(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"extended": n})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Persistence.Refresh(r.Context()); err != nil {
		h.logger.Error("persistent refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Persistence.Stats())
}

func (h *handler) save(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Persistence.Save(r.Context()); err != nil {
		h.logger.Error("persistent save failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Persistence.Stats())
}

func (h *handler) addPersistent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.opts.Persistence.Add(r.Context(), id); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, server.ErrResolution) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "persistent": true})
}

func (h *handler) removePersistent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed := h.opts.Persistence.Remove(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "persistent": false, "changed": changed})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
