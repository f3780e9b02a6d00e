// Package http implements the handlers of the local entitlement control API.
// Handlers stay thin: they decode and validate the request, call the session
// manager, and render the result.
//
// # Routes
//
//	GET  /api/auth/status
//	POST /api/auth/login
//	POST /api/auth/login/complete
//	POST /api/auth/refresh
//	POST /api/auth/logout
//	POST /api/license/activate
//	POST /api/license/deactivate
//	GET  /api/features/{feature}
//	GET  /healthz
//	GET  /metrics
//
// # Error Handling
//
// Failures are rendered as RFC 7807 problem details:
//
//	{
//	    "type": "/errors/license/device-limit",
//	    "title": "Device Limit Reached",
//	    "status": 403,
//	    "instance": "/api/license/activate",
//	    "error_code": "DEVICE_LIMIT",
//	    "max_devices": 3
//	}
//
// A refresh that cannot reach the license server is not an error: it
// returns 200 with updated=false and the unchanged state.
package http
