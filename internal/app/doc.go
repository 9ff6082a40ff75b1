// Package app provides the application service layer.
//
// SessionManager owns the single upstream live-stream session: it connects and disconnects on
// request, runs one background task per connect attempt, and turns upstream events into normalized
// events for the publisher. Depends on domain interfaces, not concrete implementations.
package app
