package main

// openAPIDocument is the admin-facing OpenAPI description of this node's
// HTTP surface (spec §6). The WebSocket endpoint itself is Nostr-style
// JSON framing, not REST, so it is documented but not schema'd here.
var openAPIDocument = map[string]any{
	"openapi": "3.0.3",
	"info": map[string]any{
		"title":   "kukuri-node",
		"version": "1",
	},
	"paths": map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"summary": "Liveness/readiness probe",
				"responses": map[string]any{
					"200": map[string]any{"description": "database reachable"},
					"503": map[string]any{"description": "database unreachable"},
				},
			},
		},
		"/metrics": map[string]any{
			"get": map[string]any{
				"summary": "Prometheus text-format metrics",
			},
		},
		"/": map[string]any{
			"get": map[string]any{
				"summary":     "WebSocket upgrade: Nostr-style EVENT/REQ/CLOSE/AUTH framing",
				"description": "Not a conventional REST resource; documented for discoverability only.",
			},
		},
	},
}
