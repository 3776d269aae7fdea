// Package protocol owns the Message wire unit.
//
// Ownership boundary:
// - message shape, flags and addressing markers
// - required-field validation
// - framed encode/decode over frame + tlv primitives
// - sentinel error kinds shared by node and station
package protocol
