// Package canonical produces deterministic JSON and content hashes.
//
// Marshal emits RFC 8785 style canonical JSON: object keys sorted by UTF-16
// code units, no insignificant whitespace, no HTML escaping, NFC-normalised
// strings, and no floats or nulls. The same logical value always yields the
// same bytes, which makes it suitable for content digests (proof hashes) and
// for golden trace snapshots.
//
// Hashes use SHA-256 with domain separation:
//
//	SHA256(domain || 0x00 || canonical-bytes)
//
// so digests from different domains can never collide.
package canonical
