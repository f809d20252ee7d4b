// Package protocol implements the request-processing state machine of the
// build cache.
//
// A transport frames each request into a head, zero or more body chunks and
// an end marker, and delivers them in order to an EventHandler. The Handler
// turns those events into blobstore.Store operations and writes framed
// responses to a ResponseWriter:
//
//	GET /key  -> 200 with the blob, 404 if absent, 500 on storage failure
//	PUT /key  -> 200 once the body is committed, 500 on storage failure
//	other     -> 405, request body discarded
//
// One Handler serves one connection and processes one request at a time.
// Storage calls run on an Executor so the connection goroutine only waits
// on their results. Open file and stream handles delivered in responses are
// tracked in a HandleSet and closed exactly once, when the response end has
// been written or when the connection goes away.
package protocol
