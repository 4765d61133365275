/*
Package server manages the front-end HTTP server lifecycle.

Manager wraps net/http.Server with non-blocking Start, graceful Shutdown
within a configured timeout, SIGINT/SIGTERM handling via WaitForShutdown
and an asynchronous error channel for serve failures.
*/
package server
