// Package server hosts the Fiber HTTP service that plays the role of the
// worker's host environment: every incoming request becomes a fetch event
// for the worker bound to its Host header. It owns the worker registry
// (Host → WorkerRoute), the request-ID middleware and the unmapped-host
// response; the proxy package supplies the handler that actually runs the
// worker, and server/routes adds the /-/ diagnostics surface.
package server
