// Package mail delivers transactional notification emails over SMTP.
// Templates are embedded in the binary and rendered per front-end app, so
// links point at the app the recipient logged in from.
package mail
