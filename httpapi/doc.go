// Package httpapi exposes broker and monitor state over HTTP.
//
//	GET  /healthz
//	GET  /stats
//	GET  /summary
//	GET  /traces/{id}
//	GET  /failures?limit=
//	GET  /history?limit=
//	GET  /metrics
//	POST /sessions/{id}/messages   (only when a Chatter is configured)
package httpapi
