// Package notifications pushes human-facing job lifecycle updates to an
// ntfy topic. When no topic is configured every notification is a noop.
package notifications
