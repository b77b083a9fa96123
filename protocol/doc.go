// Package protocol frames loop events for streaming transports.
//
// Each event is one line of JSON prefixed with "data: " and followed by a
// blank line. A stream ends with the literal "data: [DONE]". The same event
// JSON is carried unframed in WebSocket text messages.
package protocol
