// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (event.go, upstream.go, session.go, errors.go) hold the shared types and
// the interfaces that cross package boundaries. Beyond the wire encoding of events there is no
// implementation code here, only contracts, which keeps imports acyclic.
package domain
