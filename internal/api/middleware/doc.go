// Package middleware holds the gin middleware shared by the host API:
// loopback CORS, per-client and global rate limits, request logging and
// panic recovery.
package middleware
