// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Responses
//
// Successful responses are wrapped as {"success": true, "data": ...}:
//
//	httputil.WriteSuccess(w, usage)
//	httputil.WriteAccepted(w, job)
//
// Every failure carries "success": false and a machine readable error_code.
// Governance errors are rendered with their structured fields and a message
// in the caller's language:
//
//	if err != nil {
//		httputil.WriteGovernanceError(w, err, httputil.RequestLang(r))
//		return
//	}
//
// | error                     | status |
// |---------------------------|--------|
// | feature/quota/abuse       | 403    |
// | no active subscription    | 402    |
// | rate limited              | 429 + Retry-After |
// | unknown operation         | 400    |
// | anything else             | 500    |
//
// # Request Parsing
//
//	var req BindRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	provider, ok := httputil.ParsePathStringOrError(w, r, "provider")
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.CORSMiddleware(origins),
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: request ID, recovery, logging, authentication and tenant scoping
package httputil
