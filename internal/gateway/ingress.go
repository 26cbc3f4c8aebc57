package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
)

// Ingest maps a webhook request through the provider's ingest_http op and
// hands the resulting envelopes to the event handler.
func (g *Gateway) Ingest(ctx context.Context, provider string, tenant envelope.TenantCtx, r *http.Request) (IngestResult, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBody+1))
	if err != nil {
		return IngestResult{}, fmt.Errorf("read webhook body: %w", err)
	}
	if len(body) > MaxBody {
		return jsonResult(http.StatusRequestEntityTooLarge, "payload too large"), nil
	}
	in := envelope.HttpInV1{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: flattenHeaders(r.Header),
		BodyB64: base64.StdEncoding.EncodeToString(body),
		Tenant:  &tenant,
	}
	return g.IngestHTTP(ctx, provider, tenant, in)
}

// IngestHTTP runs an already-built request through ingest_http.
func (g *Gateway) IngestHTTP(ctx context.Context, provider string, tenant envelope.TenantCtx, in envelope.HttpInV1) (IngestResult, error) {
	inst, err := g.Instance(ctx, provider, tenant)
	if err != nil {
		return IngestResult{}, err
	}
	raw, err := canon.Marshal(in)
	if err != nil {
		if errors.Is(err, canon.ErrTooLarge) {
			return jsonResult(http.StatusRequestEntityTooLarge, err.Error()), nil
		}
		return IngestResult{}, fmt.Errorf("encode ingest input: %w", err)
	}

	res, err := decodeIngest(inst.Invoke(ctx, "ingest_http", raw))
	if err != nil {
		g.logger.Warn("ingest failed", zap.String("provider", provider), zap.Error(err))
		res = jsonResult(http.StatusInternalServerError, err.Error())
	}
	if g.metrics != nil {
		g.metrics.IngressTotal.WithLabelValues(provider, strconv.Itoa(res.Status)).Inc()
	}
	g.logger.Debug("ingest",
		zap.String("provider", provider),
		zap.Int("status", res.Status),
		zap.Int("events", len(res.Events)),
	)

	if len(res.Events) > 0 {
		g.mu.RLock()
		h := g.handler
		g.mu.RUnlock()
		if h != nil {
			h(ctx, provider, res.Events)
		}
	}
	return res, nil
}

func decodeIngest(out []byte) (IngestResult, error) {
	var st status
	if err := canon.Unmarshal(out, &st); err != nil {
		return IngestResult{}, err
	}
	if st.OK != nil && !*st.OK {
		return IngestResult{}, fmt.Errorf("ingest_http: %s", fault.Message(st.Error))
	}
	var o envelope.HttpOutV1
	if err := canon.Unmarshal(out, &o); err != nil {
		return IngestResult{}, err
	}
	body, err := base64.StdEncoding.DecodeString(o.BodyB64)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_http returned an invalid body: %w", err)
	}
	if o.Status == 0 {
		o.Status = http.StatusOK
	}
	return IngestResult{Status: o.Status, Headers: o.Headers, Body: body, Events: o.Events}, nil
}

func jsonResult(status int, msg string) IngestResult {
	body, _ := json.Marshal(map[string]any{"ok": false, "error": msg})
	return IngestResult{
		Status:  status,
		Headers: []envelope.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:    body,
	}
}

func flattenHeaders(h http.Header) []envelope.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]envelope.Header, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, envelope.Header{Name: name, Value: v})
		}
	}
	return out
}

// Write copies res to w.
func (res IngestResult) Write(w http.ResponseWriter) {
	for _, h := range res.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(res.Status)
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
	}
}
