// Package livechat issues single polls against the live chat endpoint and classifies
// the result.
//
// A Client turns one Request into exactly one Batch or one error:
//   - transport failures and UNAVAILABLE/INTERNAL statuses are retried with a fixed
//     backoff until the per-call retry budget runs out (KindExhausted);
//   - PERMISSION_DENIED, NOT_FOUND and INVALID_ARGUMENT end the call immediately;
//   - a response without chat content is classified from its message text: a disabled
//     chat on a stream whose mode is still unknown switches once to the replay
//     endpoint, members-only content fails, anything else is a normal end of stream;
//   - cancellation of the request context fails with KindAborted.
//
// Decoding of individual chat actions is delegated to a Decoder; DefaultDecoder covers
// text, paid and membership items.
package livechat
