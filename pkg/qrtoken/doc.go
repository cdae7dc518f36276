// Package qrtoken mints and verifies the signed tokens rendered into
// station QR codes.
//
// # Wire format
//
// A token is two dot-separated parts:
//
//	base64url(payload) "." hex(HMAC-SHA256(payload, key))
//
// The payload is Core Deterministic CBOR (RFC 8949 section 4.2) with
// integer map keys, so the same logical payload always produces the same
// bytes. The base64 part uses the URL alphabet without padding and is
// decoded strictly; the signature must be lowercase hex. Both rules make
// every single character change of a token observable.
//
// Verification recomputes the HMAC over the decoded payload bytes and
// compares in constant time against every key in the keyring, so tokens
// signed with a previous key remain valid during rotation. The codec is
// stateless and never touches storage; callers verify before any lookup.
package qrtoken
