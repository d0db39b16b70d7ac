// Package protocol owns the wire contract shared by both ends of a session.
//
// Ownership boundary:
// - the error taxonomy surfaced to callers
// - the recursive value codec for property values and model subtrees
// - frame, tlv and schema primitives live in subpackages
package protocol
