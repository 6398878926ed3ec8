// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package api defines the wire types of the GraphRAG HTTP API.
//
// The API exposes a single query surface:
//   - POST /v1/query           — synchronous retrieval + answer
//   - POST /v1/query/stream    — SSE event stream (routing/thinking/token/...)
//   - GET  /v1/query/ws        — WebSocket event stream
//   - GET  /health, /healthz, /ready — health probes
//
// Authentication is via a Bearer JWT carrying the tenant claim; the
// middleware in cmd/graphrag resolves it into the request context.
package api
