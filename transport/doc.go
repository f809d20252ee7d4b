// Package transport serves the cache protocol over TCP.
//
// Each accepted connection gets its own goroutine. The goroutine parses
// HTTP/1.1 request heads, streams Content-Length bodies in bounded chunks,
// and delivers them as head, body and end events to a protocol.EventHandler
// created for that connection. Response events are serialized back onto the
// connection. Connections are reused while both sides allow keep-alive.
//
// Requests the protocol cannot frame are answered here and the connection is
// closed: malformed heads with 400, oversized heads with 431, and
// Transfer-Encoding bodies with 501.
package transport
