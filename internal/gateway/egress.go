package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
)

type planned struct {
	Plan envelope.RenderPlanOutV1 `json:"plan"`
}

type encoded struct {
	Payload  envelope.ProviderPayloadV1 `json:"payload"`
	Warnings []envelope.Warning         `json:"warnings"`
}

type delivered struct {
	OK        bool                 `json:"ok"`
	Message   string               `json:"message"`
	Retryable bool                 `json:"retryable"`
	Error     json.RawMessage      `json:"error"`
	State     envelope.EgressState `json:"state"`
	Warnings  []envelope.Warning   `json:"warnings"`
}

// Send plans, encodes and delivers msg through provider. Delivery is
// retried with exponential backoff while the guest marks the failure
// retryable. The tenant is taken from the envelope.
func (g *Gateway) Send(ctx context.Context, provider string, msg envelope.ChannelMessageEnvelope) (SendResult, error) {
	inst, err := g.Instance(ctx, provider, msg.Tenant)
	if err != nil {
		return SendResult{}, err
	}
	tenant := inst.Tenant()
	res := SendResult{Provider: provider}

	var p planned
	if err := inst.call(ctx, "render_plan", envelope.RenderPlanInV1{Message: msg}, &p); err != nil {
		res.Error = err.Error()
		return g.finish(res), nil
	}
	var enc encoded
	if err := inst.call(ctx, "encode", envelope.EncodeInV1{Message: msg, Plan: &p.Plan}, &enc); err != nil {
		res.Error = err.Error()
		return g.finish(res), nil
	}
	res.Warnings = enc.Warnings

	spec := inst.guest.Spec()
	in := envelope.SendPayloadInV1{
		ProviderType: spec.ProviderType,
		TenantID:     tenant.Tenant,
		Payload:      enc.Payload,
		Tenant:       &tenant,
	}
	for attempt := 1; attempt <= g.egress.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.egress.delay(attempt)); err != nil {
				res.Error = fmt.Sprintf("egress aborted: %v", err)
				break
			}
		}
		res.Attempts = attempt
		var d delivered
		out, err := inst.exec(ctx, "send_payload", in)
		if err == nil {
			err = canon.Unmarshal(out, &d)
		}
		if err != nil {
			res.Error = err.Error()
			break
		}
		res.OK, res.MessageID, res.State = d.OK, d.Message, d.State
		res.Warnings = append(res.Warnings, d.Warnings...)
		res.Error = fault.Message(d.Error)
		if d.OK || !d.Retryable {
			break
		}
		g.logger.Info("retrying send",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.String("error", res.Error),
		)
	}
	return g.finish(res), nil
}

func (g *Gateway) finish(res SendResult) SendResult {
	if g.metrics != nil {
		state := string(res.State)
		if state == "" {
			state = string(envelope.Pending)
		}
		g.metrics.EgressTotal.WithLabelValues(res.Provider, state).Inc()
	}
	return res
}
