// Package journal records task runs in a local SQLite database.
//
// The journal keeps one row per run, per executed command, per poll loop
// and per connection, plus an append-only copy of every telemetry event.
// It is normally fed by subscribing a Recorder to the telemetry event
// publisher and read back by the history command. Stored command
// arguments are the redacted form published by the execution package;
// the journal never sees secret values.
package journal
