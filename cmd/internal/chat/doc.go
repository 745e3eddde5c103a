// Package chat defines the domain model shared by the chat synchronization core:
// conversations between a club and a brand, their messages, and the viewer
// (the signed-in party) every read is relative to.
//
// The package holds no state and performs no I/O.
package chat
