// Package memory holds helpers for scrubbing sensitive buffers.
package memory

import "runtime"

// SecureZeroBytes overwrites b with zeros and keeps b reachable until the
// write has happened.
func SecureZeroBytes(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// Scrub zeroes every buffer in bufs.
func Scrub(bufs ...[]byte) {
	for _, b := range bufs {
		SecureZeroBytes(b)
	}
}
