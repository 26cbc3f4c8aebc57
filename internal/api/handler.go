package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/gateway"
	"github.com/nidhogg/msgproviders/internal/host/telemetry"
	"github.com/nidhogg/msgproviders/internal/qa"
)

// Options wires a Handler.
type Options struct {
	Gateway     *gateway.Gateway
	Hub         *gateway.Hub
	Broadcaster *gateway.Broadcaster
	Metrics     *telemetry.Metrics
	// Env is the tenant environment for tenants taken from URLs.
	Env string
	// DefaultTenant serves Direct Line and websocket traffic that names no
	// tenant.
	DefaultTenant string
	Origins       []string
	Logger        *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gw          *gateway.Gateway
	hub         *gateway.Hub
	broadcaster *gateway.Broadcaster
	metrics     *telemetry.Metrics
	env         string
	tenant      string
	origins     []string
	started     time.Time
	logger      *zap.Logger
}

// NewHandler creates a new API handler. When a hub is given, frames its
// websocket listeners send are ingested as webchat messages.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		gw:          opts.Gateway,
		hub:         opts.Hub,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		env:         opts.Env,
		tenant:      opts.DefaultTenant,
		origins:     opts.Origins,
		started:     time.Now(),
		logger:      opts.Logger,
	}
	if h.env == "" {
		h.env = "default"
	}
	if h.tenant == "" {
		h.tenant = "default"
	}
	if len(h.origins) == 0 {
		h.origins = []string{"*"}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.hub != nil {
		h.hub.OnMessage(h.webchatFrame)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// Provider webhooks
	r.HandleFunc("/webhooks/{provider}/{tenant}", h.webhook)
	r.HandleFunc("/webhooks/{provider}/{tenant}/{team}", h.webhook)
	r.HandleFunc("/v3/directline/*", h.directLine)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/providers", h.listProviders)
		r.Get("/providers/{provider}/describe", h.describe)
		r.Get("/providers/{provider}/qa/{mode}", h.qaSpec)
		r.Post("/providers/{provider}/answers/{mode}", h.applyAnswers)
		r.Get("/providers/{provider}/i18n/{locale}", h.i18nBundle)
		r.Get("/providers/{provider}/subscriptions", h.listSubscriptions)
		r.Post("/providers/{provider}/subscriptions", h.ensureSubscription)
		r.Post("/providers/{provider}/subscriptions/renew", h.renewSubscriptions)

		r.Post("/send", h.send)
		r.Post("/broadcast", h.sendBroadcast)
		r.Get("/broadcast", h.broadcastHistory)
		r.Post("/invoke/{provider}/{op}", h.invoke)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	if h.hub != nil {
		r.Get("/ws/webchat/{route}", func(w http.ResponseWriter, r *http.Request) {
			h.hub.ServeWS(w, r, chi.URLParam(r, "route"))
		})
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": h.gw.Providers(),
		"instances": len(h.gw.Instances()),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}

// tenantFrom builds a tenant from the URL parameters, falling back to the
// query string and then the default tenant.
func (h *Handler) tenantFrom(r *http.Request) (envelope.TenantCtx, error) {
	q := r.URL.Query()
	env := q.Get("env")
	if env == "" {
		env = h.env
	}
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		tenant = q.Get("tenant")
	}
	if tenant == "" {
		tenant = h.tenant
	}
	team := chi.URLParam(r, "team")
	if team == "" {
		team = q.Get("team")
	}
	return envelope.NewTenantCtx(env, tenant, team)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, chi.URLParam(r, "provider"))
}

func (h *Handler) directLine(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, "webchat")
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, provider string) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.gw.Ingest(r.Context(), provider, tenant, r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	res.Write(w)
}

// webchatFrame ingests a websocket frame as a plain webchat post on the
// listener's route.
func (h *Handler) webchatFrame(ctx context.Context, route string, data []byte) {
	tenant, err := envelope.NewTenantCtx(h.env, h.tenant, "")
	if err != nil {
		h.logger.Warn("webchat frame dropped", zap.Error(err))
		return
	}
	body := data
	if !json.Valid(data) {
		body, _ = json.Marshal(map[string]string{"text": string(data)})
	}
	in := envelope.HttpInV1{
		Method:    http.MethodPost,
		Path:      "/ws/webchat/" + route,
		Headers:   []envelope.Header{{Name: "Content-Type", Value: "application/json"}},
		BodyB64:   base64.StdEncoding.EncodeToString(body),
		RouteHint: route,
		Tenant:    &tenant,
	}
	if _, err := h.gw.IngestHTTP(ctx, "webchat", tenant, in); err != nil {
		h.logger.Warn("webchat frame failed", zap.String("route", route), zap.Error(err))
	}
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name         string   `json:"name"`
		ID           string   `json:"id"`
		Display      string   `json:"display"`
		Channel      string   `json:"channel"`
		ProviderType string   `json:"provider_type"`
		Ops          []string `json:"ops"`
	}
	out := []entry{}
	for _, name := range h.gw.Providers() {
		g, err := h.gw.Guest(name)
		if err != nil {
			continue
		}
		s := g.Spec()
		out = append(out, entry{
			Name:         s.Name,
			ID:           s.ID(),
			Display:      s.Display,
			Channel:      string(s.Channel),
			ProviderType: s.ProviderType,
			Ops:          s.Ops(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) describe(w http.ResponseWriter, r *http.Request) {
	g, err := h.gw.Guest(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeCBOR(w, r, http.StatusOK, g.Describe())
}

func (h *Handler) qaSpec(w http.ResponseWriter, r *http.Request) {
	g, err := h.gw.Guest(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	out, err := g.QaSpec(chi.URLParam(r, "mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeCBOR(w, r, http.StatusOK, out)
}

func (h *Handler) applyAnswers(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := qa.ParseMode(chi.URLParam(r, "mode")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	answers, err := readObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.gw.Apply(r.Context(), chi.URLParam(r, "provider"), tenant, chi.URLParam(r, "mode"), answers)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (h *Handler) i18nBundle(w http.ResponseWriter, r *http.Request) {
	g, err := h.gw.Guest(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeCBOR(w, r, http.StatusOK, g.I18nBundle(chi.URLParam(r, "locale")))
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	subs, err := h.gw.Subscriptions(r.Context(), chi.URLParam(r, "provider"), tenant)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if subs == nil {
		subs = []envelope.SubscriptionRecord{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) ensureSubscription(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var in envelope.SubscriptionEnsureInV1
	if err := json.NewDecoder(io.LimitReader(r.Body, canon.MaxDocument)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.gw.Subscribe(r.Context(), chi.URLParam(r, "provider"), tenant, in)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) renewSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minutes, _ := strconv.Atoi(r.URL.Query().Get("minutes"))
	subs, err := h.gw.Renew(r.Context(), chi.URLParam(r, "provider"), tenant, minutes)
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{"error": err.Error(), "renewed": subs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"renewed": subs})
}

type sendRequest struct {
	Provider string                          `json:"provider"`
	Message  envelope.ChannelMessageEnvelope `json:"message"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, canon.MaxDocument)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider is required"})
		return
	}
	if err := h.fillTenant(r, &req.Message.Tenant); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.gw.Send(r.Context(), req.Provider, req.Message)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (h *Handler) fillTenant(r *http.Request, t *envelope.TenantCtx) error {
	if t.Tenant != "" {
		if t.Env == "" {
			t.Env = h.env
		}
		return t.Validate()
	}
	tenant, err := h.tenantFrom(r)
	if err != nil {
		return err
	}
	*t = tenant
	return nil
}

type broadcastRequest struct {
	Message envelope.ChannelMessageEnvelope `json:"message"`
	Targets []gateway.BroadcastTarget       `json:"targets"`
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "broadcast not enabled"})
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, canon.MaxDocument)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Targets) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "targets are required"})
		return
	}
	if err := h.fillTenant(r, &req.Message.Tenant); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.broadcaster.Send(r.Context(), req.Message, req.Targets)
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, rec)
}

func (h *Handler) broadcastHistory(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, []gateway.BroadcastRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.broadcaster.History(limit))
}

// invoke passes a CBOR document straight to the guest. JSON bodies are
// converted first; the reply is CBOR unless the client accepts JSON.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenantFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, canon.MaxDocument+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > canon.MaxDocument {
		writeError(w, http.StatusRequestEntityTooLarge, canon.ErrTooLarge)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if body, err = canon.FromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	inst, err := h.gw.Instance(r.Context(), chi.URLParam(r, "provider"), tenant)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	out := inst.Invoke(r.Context(), chi.URLParam(r, "op"), body)
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeCBOR(w, r, http.StatusOK, out)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func readObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, canon.MaxDocument+1))
	if err != nil {
		return nil, err
	}
	if len(body) > canon.MaxDocument {
		return nil, canon.ErrTooLarge
	}
	out := map[string]any{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return out, nil
	}
	raw, err := canon.FromJSON(body)
	if err != nil {
		return nil, err
	}
	if err := canon.Unmarshal(raw, &out); err != nil {
		return nil, errors.New("answers must be a JSON object")
	}
	return out, nil
}

func statusOf(err error) int {
	if errors.Is(err, gateway.ErrUnknownProvider) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeCBOR answers with CBOR, or JSON when the client asks for it.
func writeCBOR(w http.ResponseWriter, r *http.Request, status int, data []byte) {
	if strings.Contains(r.Header.Get("Accept"), "application/cbor") {
		w.Header().Set("Content-Type", "application/cbor")
		w.WriteHeader(status)
		w.Write(data)
		return
	}
	out, err := canon.ToJSON(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(out)
}
