// Package http exposes the protection core over a chi router. Handlers stay
// thin: they decode and validate input, call one service and render the
// result or an RFC 7807 problem.
//
// # Routes
//
//	GET    /api/health
//	GET    /api/identity
//	POST   /api/identity/verify
//	GET    /api/license/status
//	POST   /api/license/activate
//	POST   /api/license/deactivate
//	POST   /api/license/refresh
//	GET    /api/license/features/{tag}
//	POST   /api/actions/{action}
//	GET    /api/ratelimit
//	GET    /api/evidence/{log}
//	DELETE /api/evidence/{log}
//	GET    /api/evidence/export.xlsx
//	GET    /ws/evidence
//	GET    /metrics
//
// # Errors
//
// Service errors are classified by the errors package and written as
// application/problem+json:
//
//	{
//	  "type": "/errors/device-limit-reached",
//	  "title": "Conflict",
//	  "status": 409,
//	  "detail": "device limit reached: 2 of 2 devices in use",
//	  "error_code": "DEVICE_LIMIT_REACHED",
//	  "trace_id": "6f1c..."
//	}
//
// A refused action also carries a Retry-After header.
package http
