// Package relay forwards chat session events from the pool to durable or broadcast
// sinks (Postgres, Redis pub/sub), optionally narrowed by a CEL filter expression.
package relay
