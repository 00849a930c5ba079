// Package api exposes the governance pipeline over HTTP.
//
// All tenant routes live under /api/v1 and require credentials. The tenant
// comes from the authenticated principal; system principals may act for a
// tenant named in X-Tenant-ID.
//
//	GET    /api/v1/operations                              registered operations
//	POST   /api/v1/operations/{operation}                  run synchronously
//	POST   /api/v1/operations/{operation}/jobs             submit, 202 + job id
//	GET    /api/v1/jobs/{id}                               job status and result
//	GET    /api/v1/usage                                   usage per limit
//	GET    /api/v1/features                                feature flags of the plan
//	GET    /api/v1/ratelimits                              rate limit windows
//	GET    /api/v1/plans/{plan}/downgrade-check            limits a downgrade would break
//	GET    /api/v1/integrations/{provider}/bindings        bound accounts
//	POST   /api/v1/integrations/{provider}/bindings        bind an account
//	DELETE /api/v1/integrations/{provider}/bindings/{id}   release an account
//	GET    /api/v1/audit                                   search the audit log
//	GET    /api/v1/audit/export?format=json|ndjson|csv     export the audit log (advanced_reports plans)
//	POST   /webhooks/billing                               signed billing events
//
// Failures use the envelope written by httputil: governance errors carry
// error_code, message and the fields of the failure, and messages follow
// the Accept-Language of the request.
package api
