// Command arena2api provides an OpenAI-compatible API over the arena.ai chat
// platform.
//
// # How it works
//
// The upstream platform is browser-gated: every chat request must carry a
// fresh single-use reCAPTCHA token, the session cookies of a logged-in
// browser, and survive Cloudflare's TLS fingerprinting. A companion browser
// extension harvests that material and pushes it to this server; the server
// pools it per browser profile and spends it on behalf of ordinary OpenAI
// clients.
//
// # Endpoints
//
// OpenAI surface (Authorization: Bearer <key>):
//
//   - POST /v1/chat/completions: streaming and non-streaming chat
//   - GET  /v1/models: the aggregated model catalog
//
// Extension surface (X-Extension-Secret header):
//
//   - POST /v1/extension/push: session cookies, reCAPTCHA tokens, model list
//   - GET  /v1/extension/status: per-profile pool diagnostics
//
// Operations:
//
//   - GET /health: liveness plus a pool summary
//   - GET /admin/status: same snapshot as the extension status endpoint
//
// # Upstream request format
//
// Chat requests are replayed to the platform's evaluation endpoint
// (POST {ARENA_BASE_URL}/nextjs-api/stream/create-evaluation) with the
// profile's cookie jar, a browser User-Agent, and one consumed reCAPTCHA
// token per request. The response is a line-prefixed stream (text deltas,
// reasoning deltas, a terminal marker) that the server translates into
// OpenAI chat completion chunks.
//
// # Environment Variables
//
//   - PORT: listening port (default 9090)
//   - VALID_API_KEYS: comma-separated client API keys
//   - AUTH_SECRET: optional HMAC secret; signed access tokens are then
//     accepted alongside static keys (mint one with --issue-token)
//   - DISABLE_AUTH: disable client authentication entirely
//   - EXTENSION_SECRET: shared secret for the push surface (empty = open)
//   - ARENA_BASE_URL: upstream origin (default https://arena.ai)
//   - POOL_MAX: per-profile credential queue bound (default 10)
//   - CREDENTIAL_LIFETIME_SECONDS: token usability window (default 110)
//   - STALENESS_THRESHOLD_SECONDS: profile liveness window (default 120)
//   - UPSTREAM_TIMEOUT_SECONDS: upstream request deadline (default 300)
//   - DEBUG: verbose logging
//
// A .env file found in the working directory or any parent is loaded at
// startup.
package main
