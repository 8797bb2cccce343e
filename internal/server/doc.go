// Package server hosts the Fiber HTTP edge: request ID and recovery
// middleware, the catch-all route that hands application requests to the
// proxy handler, and the shared upstream HTTP client. Paths under /-/ are
// reserved for local diagnostics routes registered by the routes package and
// are never dispatched to the worker. Keep exports narrow and accept explicit
// dependencies.
package server
