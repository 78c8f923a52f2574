// Package auth guards the agent's control surface and inspects the
// credentials captured on queued operations.
//
// Control routes accept either a shared API key or an HMAC-signed bearer
// JWT. Composite tries each configured authenticator in order and
// Middleware rejects unauthenticated requests with 401.
//
// InspectToken decodes a captured bearer token without verifying it, so
// the replay path can warn when a request is about to be sent with an
// expired session.
package auth
