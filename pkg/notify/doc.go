// Package notify provides engine.Notifier implementations: a zerolog sink, a
// JSON webhook with retries, a fan-out and an asynchronous buffer.
package notify
