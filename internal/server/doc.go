// Package server exposes the resource engine over HTTP with Fiber. It owns the
// middleware chain (request IDs, access logging, panic recovery) and the
// /resource handlers; diagnostics endpoints live under /-/ and are registered
// by the routes subpackage.
package server
