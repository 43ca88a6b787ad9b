// Package institution resolves federation organization identifiers to
// institutions and serves their staff lists from a Redis cache.
package institution
