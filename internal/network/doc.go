// Package network performs the live fetches a worker falls back to on a
// cache miss. Requests are resolved against the application origin, sent
// through the shared upstream http.Client, and recorded into cache.Response
// values classified as "basic" (same origin) or "opaque" (anything else).
package network
