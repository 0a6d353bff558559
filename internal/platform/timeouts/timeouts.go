// Package timeouts holds the durations shared by the chat processes.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Request caps a single HTTP call from the subscription client.
const Request = 10 * time.Second

// WSHandshake caps the websocket dial and upgrade.
const WSHandshake = 5 * time.Second
