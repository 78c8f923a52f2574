// Package notify turns push messages and replay outcomes into user-facing
// notifications and routes notification activation back to a client.
//
// A Dispatcher renders notification copy through a golang.org/x/text message
// catalog, fills missing fields from a default payload and shows the result
// on one or more Sinks.
package notify
