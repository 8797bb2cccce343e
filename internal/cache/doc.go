// Package cache defines named cache storage: a set of caches addressed by
// name (the worker's cache version identifier), each mapping a GET request's
// absolute URL to a full recorded response. Two drivers ship with the
// package: "fs" keeps one JSON record per entry under
// StoragePath/<cache>/<hash>.entry (temp file + rename), and "sqlite" keeps
// everything in a single modernc.org/sqlite database. Higher layers (worker,
// server diagnostics) only depend on the Storage and Cache interfaces.
package cache
