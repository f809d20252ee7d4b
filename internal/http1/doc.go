// Package http1 is the HTTP/1.1 wire codec of the cache transport.
//
// It parses request heads and writes response heads and interim responses.
// Bodies are framed by Content-Length only; the transport streams them
// itself so that each chunk reaches the protocol handler as a body event.
package http1
