// Package bridge implements domain.Upstream against a protocol bridge sidecar.
//
// The bridge speaks the live platform's protocol and re-emits room events as JSON frames over a
// WebSocket. One bridge connection carries one stream owner's room, selected by the username
// query parameter.
package bridge
