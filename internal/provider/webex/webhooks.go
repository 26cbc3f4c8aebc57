package webex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
)

// Webhook is a Webex webhook registration.
type Webhook struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	TargetURL string `json:"targetUrl"`
	Resource  string `json:"resource,omitempty"`
	Event     string `json:"event,omitempty"`
	Filter    string `json:"filter,omitempty"`
	Secret    string `json:"secret,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (w Webhook) record() envelope.SubscriptionRecord {
	return envelope.SubscriptionRecord{
		SubscriptionID: w.ID,
		Resource:       w.Resource,
		ChangeType:     w.Event,
		ClientState:    w.Secret,
	}
}

type webhookList struct {
	Items []Webhook `json:"items"`
}

func webhookName(c *provider.Call) string {
	return "msgproviders " + c.Tenant.Tenant
}

// EnsureSubscription reuses a webhook with the same target, resource and
// event, or registers a new one. Webex webhooks do not expire.
func (a *Adapter) EnsureSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error) {
	cfg, token, err := credentials(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	target := strings.TrimSpace(in.NotificationURL)
	if target == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("notification_url required")
	}
	want := Webhook{
		Name:      webhookName(c),
		TargetURL: target,
		Resource:  in.Resource,
		Event:     strings.Join(in.ChangeTypes, ","),
		Secret:    in.ClientState,
	}
	if want.Resource == "" {
		want.Resource = defaultResource
	}
	if len(in.ChangeTypes) != 1 {
		want.Event = "all"
		if len(in.ChangeTypes) == 0 {
			want.Event = defaultEvent
		}
	}

	var list webhookList
	if err := call(ctx, c, "GET", cfg.APIBaseURL+"/webhooks", token, nil, &list); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	for _, w := range list.Items {
		if w.TargetURL == want.TargetURL && w.Resource == want.Resource && w.Event == want.Event {
			c.Log(ctx, "subscription.reused", host.F("id", w.ID))
			if w.Secret == "" {
				w.Secret = want.Secret
			}
			return w.record(), nil
		}
	}

	var created Webhook
	if err := call(ctx, c, "POST", cfg.APIBaseURL+"/webhooks", token, want, &created); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if created.Secret == "" {
		created.Secret = want.Secret
	}
	c.Log(ctx, "subscription.created", host.F("id", created.ID), host.F("resource", created.Resource))
	return created.record(), nil
}

// RenewSubscription reactivates a webhook Webex disabled after delivery
// failures.
func (a *Adapter) RenewSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionRenewInV1) (envelope.SubscriptionRecord, error) {
	cfg, token, err := credentials(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if in.SubscriptionID == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("subscription_id required")
	}
	u := cfg.APIBaseURL + "/webhooks/" + url.PathEscape(in.SubscriptionID)
	var current Webhook
	if err := call(ctx, c, "GET", u, token, nil, &current); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	update := Webhook{Name: current.Name, TargetURL: current.TargetURL, Secret: current.Secret, Status: "active"}
	var updated Webhook
	if err := call(ctx, c, "PUT", u, token, update, &updated); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if updated.ID == "" {
		updated = current
	}
	c.Log(ctx, "subscription.renewed", host.F("id", updated.ID))
	return updated.record(), nil
}

// DeleteSubscription removes a webhook. A webhook that is already gone
// counts as deleted.
func (a *Adapter) DeleteSubscription(ctx context.Context, c *provider.Call, in envelope.SubscriptionDeleteInV1) (envelope.SubscriptionRecord, error) {
	cfg, token, err := credentials(ctx, c)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if in.SubscriptionID == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("subscription_id required")
	}
	resp, err := c.JSON(ctx, "DELETE", cfg.APIBaseURL+"/webhooks/"+url.PathEscape(in.SubscriptionID), token, nil)
	if err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if resp.Status != http.StatusNotFound {
		if err := provider.StatusError("Webex", resp); err != nil {
			return envelope.SubscriptionRecord{}, err
		}
	}
	c.Log(ctx, "subscription.deleted", host.F("id", in.SubscriptionID))
	return envelope.SubscriptionRecord{SubscriptionID: in.SubscriptionID}, nil
}

func credentials(ctx context.Context, c *provider.Call) (config, string, error) {
	cfg, err := load(c)
	if err != nil {
		return cfg, "", err
	}
	token, err := c.Secret(ctx, BotTokenKey, cfg.BotToken)
	return cfg, token, err
}

func call(ctx context.Context, c *provider.Call, method, u, token string, body, out any) error {
	resp, err := c.JSON(ctx, method, u, token, body)
	if err != nil {
		return err
	}
	if err := provider.StatusError("Webex", resp); err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fault.Wrap(fault.Domain, "webex response is not JSON", err)
	}
	return nil
}
