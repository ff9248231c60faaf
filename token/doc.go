// Package token encodes and decodes the opaque continuation tokens exchanged with the
// live chat endpoint.
//
// Tokens use a minimal tag/varint binary layout: each field starts with a header varint
// (field number << 3 | wire type) followed by a varint, a little-endian fixed-width
// integer or a length-prefixed byte string. Only flat fields are interpreted; nested
// payloads are carried as opaque bytes.
//
// Three views are provided:
//   - Reader: a cursor over raw bytes with one level of lookahead (Save/Restore).
//   - Field / Encode / DecodeFields: the generic field list.
//   - ContinuationToken: the typed resume cursor handed between polls, plus its
//     base64url "resume" string form used for checkpoints.
package token
