// Package sso implements federated login against an OpenID provider.
//
// The login flow round-trips a state token through the provider: login
// initiation serializes the in-progress context (process, app, LTI launch,
// anti-forgery nonce) into the OAuth2 state parameter, and the callback
// exchanges the code, decodes the id-token claims, and establishes the
// local user. Institution membership is invitation-gated: a first login
// without a matching provisionment ends on an error page, and the freshly
// created user record is removed again when it was created the same day.
package sso
