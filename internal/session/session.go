// Package session mirrors relay presence into Redis: one hash per live
// connection with its pairing status, plus the current online count. The
// in-process matching state stays authoritative; the mirror is for operators
// and other services.
package session
