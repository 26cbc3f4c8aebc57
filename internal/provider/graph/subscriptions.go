package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/msgproviders/internal/canon"
	"github.com/nidhogg/msgproviders/internal/envelope"
	"github.com/nidhogg/msgproviders/internal/fault"
	"github.com/nidhogg/msgproviders/internal/host"
	"github.com/nidhogg/msgproviders/internal/provider"
)

// DefaultExpiration is used when a request names no expiration. Channel and
// chat message subscriptions live at most an hour.
const DefaultExpiration = 55 * time.Minute

// Subscription is a Graph change notification subscription.
type Subscription struct {
	ID                 string `json:"id,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (s Subscription) record() envelope.SubscriptionRecord {
	return envelope.SubscriptionRecord{
		SubscriptionID: s.ID,
		ExpiresAt:      s.ExpirationDateTime,
		Resource:       s.Resource,
		ChangeType:     s.ChangeType,
		ClientState:    s.ClientState,
	}
}

// Client talks to one Graph endpoint with a bearer token.
type Client struct {
	Call  *provider.Call
	Base  string
	Token string
}

// Do sends a JSON request to path under the Graph base and decodes a 2xx
// response into out.
func (g Client) Do(ctx context.Context, method, path string, body, out any) (*host.Response, error) {
	resp, err := g.Call.JSON(ctx, method, g.url(path), g.Token, body)
	if err != nil {
		return nil, err
	}
	if err := provider.StatusError("Graph", resp); err != nil {
		return resp, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fault.Wrap(fault.Domain, "graph response is not JSON", err)
		}
	}
	return resp, nil
}

func (g Client) url(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return strings.TrimRight(g.Base, "/") + "/" + strings.TrimLeft(path, "/")
}

func expiration(now time.Time, minutes int) string {
	d := DefaultExpiration
	if minutes > 0 {
		d = time.Duration(minutes) * time.Minute
	}
	return now.Add(d).UTC().Format(time.RFC3339)
}

func subscriptionKey(c *provider.Call, id string) string {
	return c.Spec.Scope(c.Tenant).StateKey("subscriptions/" + id)
}

// Ensure returns the subscription for (notification url, resource, change
// types), creating it when the collection has none. New subscriptions get a
// random clientState unless one is given. The record is kept in provider
// state so notifications can be checked against it.
func (g Client) Ensure(ctx context.Context, in envelope.SubscriptionEnsureInV1) (envelope.SubscriptionRecord, error) {
	if strings.TrimSpace(in.NotificationURL) == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("notification_url required")
	}
	if strings.TrimSpace(in.Resource) == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("resource required")
	}
	changeType := strings.Join(in.ChangeTypes, ",")
	if changeType == "" {
		changeType = "created"
	}

	var list struct {
		Value []Subscription `json:"value"`
	}
	if _, err := g.Do(ctx, "GET", "subscriptions", nil, &list); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	for _, s := range list.Value {
		if s.NotificationURL == in.NotificationURL && s.Resource == in.Resource && s.ChangeType == changeType {
			if stored, ok := g.Stored(ctx, s.ID); ok && s.ClientState == "" {
				s.ClientState = stored.ClientState
			}
			g.Call.Log(ctx, "subscription.reused", host.F("id", s.ID))
			rec := s.record()
			g.store(ctx, rec)
			return rec, nil
		}
	}

	want := Subscription{
		Resource:           in.Resource,
		ChangeType:         changeType,
		NotificationURL:    in.NotificationURL,
		ExpirationDateTime: expiration(g.Call.Clock(), in.ExpirationMinutes),
		ClientState:        in.ClientState,
	}
	if want.ClientState == "" {
		want.ClientState = uuid.NewString()
	}
	var created Subscription
	if _, err := g.Do(ctx, "POST", "subscriptions", want, &created); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if created.ID == "" {
		return envelope.SubscriptionRecord{}, fault.Domainf("graph create subscription response missing id")
	}
	fill(&created, want)
	g.Call.Log(ctx, "subscription.created", host.F("id", created.ID), host.F("resource", created.Resource))
	rec := created.record()
	g.store(ctx, rec)
	return rec, nil
}

// Renew moves the expiration of a subscription.
func (g Client) Renew(ctx context.Context, in envelope.SubscriptionRenewInV1) (envelope.SubscriptionRecord, error) {
	if in.SubscriptionID == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("subscription_id required")
	}
	patch := Subscription{ExpirationDateTime: expiration(g.Call.Clock(), in.ExpirationMinutes)}
	var updated Subscription
	if _, err := g.Do(ctx, "PATCH", "subscriptions/"+url.PathEscape(in.SubscriptionID), patch, &updated); err != nil {
		return envelope.SubscriptionRecord{}, err
	}
	if updated.ID == "" {
		updated.ID = in.SubscriptionID
	}
	stored, _ := g.Stored(ctx, in.SubscriptionID)
	fill(&updated, Subscription{
		Resource:           stored.Resource,
		ChangeType:         stored.ChangeType,
		ClientState:        stored.ClientState,
		ExpirationDateTime: patch.ExpirationDateTime,
	})
	g.Call.Log(ctx, "subscription.renewed", host.F("id", updated.ID))
	rec := updated.record()
	g.store(ctx, rec)
	return rec, nil
}

// Delete removes a subscription. 404 counts as deleted.
func (g Client) Delete(ctx context.Context, in envelope.SubscriptionDeleteInV1) (envelope.SubscriptionRecord, error) {
	if in.SubscriptionID == "" {
		return envelope.SubscriptionRecord{}, fault.Inputf("subscription_id required")
	}
	resp, err := g.Do(ctx, "DELETE", "subscriptions/"+url.PathEscape(in.SubscriptionID), nil, nil)
	if err != nil && (resp == nil || resp.Status != http.StatusNotFound) {
		return envelope.SubscriptionRecord{}, err
	}
	if g.Call.Host.State != nil {
		_ = g.Call.Host.State.Delete(ctx, subscriptionKey(g.Call, in.SubscriptionID), &g.Call.Tenant)
	}
	g.Call.Log(ctx, "subscription.deleted", host.F("id", in.SubscriptionID))
	return envelope.SubscriptionRecord{SubscriptionID: in.SubscriptionID}, nil
}

// Stored reads the record kept for a subscription id.
func (g Client) Stored(ctx context.Context, id string) (envelope.SubscriptionRecord, bool) {
	return Stored(ctx, g.Call, id)
}

// Stored reads the record kept for a subscription id.
func Stored(ctx context.Context, c *provider.Call, id string) (envelope.SubscriptionRecord, bool) {
	var rec envelope.SubscriptionRecord
	if c.Host.State == nil || id == "" {
		return rec, false
	}
	raw, ok, err := c.Host.State.Read(ctx, subscriptionKey(c, id), &c.Tenant)
	if err != nil || !ok || canon.Unmarshal(raw, &rec) != nil {
		return rec, false
	}
	return rec, true
}

func (g Client) store(ctx context.Context, rec envelope.SubscriptionRecord) {
	if g.Call.Host.State == nil {
		return
	}
	raw, err := canon.Marshal(rec)
	if err != nil {
		return
	}
	if err := g.Call.Host.State.Write(ctx, subscriptionKey(g.Call, rec.SubscriptionID), raw, &g.Call.Tenant); err != nil {
		g.Call.Log(ctx, "subscription.store_failed", host.F("id", rec.SubscriptionID))
	}
}

// fill copies fields Graph left out of a response.
func fill(s *Subscription, from Subscription) {
	if s.Resource == "" {
		s.Resource = from.Resource
	}
	if s.ChangeType == "" {
		s.ChangeType = from.ChangeType
	}
	if s.NotificationURL == "" {
		s.NotificationURL = from.NotificationURL
	}
	if s.ExpirationDateTime == "" {
		s.ExpirationDateTime = from.ExpirationDateTime
	}
	if s.ClientState == "" {
		s.ClientState = from.ClientState
	}
}
