// Package chat runs chat streams.
//
// It provides two layers:
//   - Session: polls one stream until it ends, is stopped, or fails. Each poll is
//     a single livechat request; live streams sleep for the server-suggested
//     timeout minus the time the poll itself took, replay streams are fetched
//     back to back. Events are delivered on a typed channel that is closed after
//     the terminal EventEnd or EventError.
//   - Pool: keeps at most one Session per stream identity, relays every session's
//     events to all listeners tagged with the stream identity, and forgets a
//     stream as soon as its session terminates. Listeners get a bounded queue;
//     one that lets it fill is disconnected rather than stalling the sessions.
//
// Sessions never retry across polls; retry of transient failures within a poll
// belongs to livechat.Client.
package chat
