// Package session owns the command handshake carried over a transport channel.
//
// Ownership boundary:
// - the Channel that frames envelopes onto a byte stream
// - the envelope union and its TLV encodings
// - Initiator and Responder handshake state machines
// - dial retry backoff and transport security settings
package session
