// Package broadcast implements the subscriber fan-out hub using the actor pattern.
//
// One goroutine owns the subscriber set and receives commands on a channel (no mutexes).
// Each subscriber gets its own writer goroutine with a small buffer; a subscriber whose buffer
// is full or whose write fails is detached without affecting the others.
package broadcast
