// Package middleware provides HTTP middleware: bearer-token and session
// authentication, and request id propagation.
package middleware
