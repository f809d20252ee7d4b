package http1

import (
	"bufio"
	"fmt"
	"net/http"
	"slices"
)

// WriteResponseHead writes the status line and headers of a response.
// Any Connection header in hdr is replaced according to keepAlive. Header
// names are written in sorted order.
func WriteResponseHead(bw *bufio.Writer, status int, hdr http.Header, keepAlive bool) error {
	reason := http.StatusText(status)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", status, reason); err != nil {
		return err
	}

	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		// We set Connection ourselves based on keepAlive.
		if http.CanonicalHeaderKey(k) == "Connection" || SanitizeHeaderKey(k) == "" {
			continue
		}
		for _, v := range hdr[k] {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, SanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}

	conn := "keep-alive"
	if !keepAlive {
		conn = "close"
	}
	if _, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn); err != nil {
		return err
	}
	return nil
}

// WriteContinue writes an interim 100 Continue response.
func WriteContinue(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}
