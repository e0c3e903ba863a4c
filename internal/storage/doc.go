// Package storage persists engine state across restarts: per-app learning
// counters, dismissal cooldown stamps, and the suppressed-notification audit
// trail. Two drivers are provided (plain files and SQLite); both are
// best-effort from the engine's point of view.
package storage
