// Package server hosts the Fiber HTTP service and its middleware chain: request
// IDs, panic recovery, and the split between diagnostics paths (/-/...) and
// proxied site traffic. It also owns the shared origin http.Client so every
// fetch reuses one tuned transport. Keep exports narrow and accept explicit
// dependencies; the gateway package wires the concrete handlers.
package server
