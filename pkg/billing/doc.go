// Package billing applies subscription changes pushed by the billing provider.
//
// # Overview
//
// The provider POSTs JSON events to /webhooks/billing, signed with an
// HMAC-SHA256 of the raw body in the X-Governor-Signature header
// ("sha256=<hex>"). Service verifies the signature, rejects stale events,
// drops redeliveries by event ID, upserts the tenant's subscription and
// publishes events.SubscriptionChanged so cached gate answers are
// invalidated.
//
// # Event Types
//
//	subscription.created, subscription.updated, subscription.renewed
//	    plan and ends_at become the active subscription
//	trial.started
//	    status trialing until trial_ends_at
//	subscription.cancelled, subscription.expired
//	    access ends; the previous plan is kept for reference
//
// Unknown event types are acknowledged and ignored.
//
// # Usage Example
//
//	svc := billing.NewService(billing.Config{Secret: secret}, subs, catalogue, bus, logger)
//	result, err := svc.HandleWebhook(ctx, body, r.Header.Get(billing.SignatureHeader))
package billing
