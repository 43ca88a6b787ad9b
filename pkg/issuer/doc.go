// Package issuer holds badge class definitions, their terms and award
// permissions, and the Redis cache of per-badge-class derived views.
package issuer
