// Package api assembles the HTTP server: it builds the stores and handler
// groups, chains the shared middleware, and exposes the health endpoint
// served on the separate probe port.
package api
