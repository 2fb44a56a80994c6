// Package notify models the notifications the worker shows: push payload
// merging, scheduled facts and data-update notices all end up as a
// Notification handed to a Notifier. The host wires a LogNotifier (every
// notification becomes a structured log line) together with an Inbox that
// keeps them for the /-/notifications endpoint.
package notify
