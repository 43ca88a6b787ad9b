// Package auth holds the user model and the authentication primitives the
// login workflow depends on: user persistence, federated identity links,
// terms-agreement records, opaque pre-login tokens, and the Redis-backed
// browser session.
package auth
