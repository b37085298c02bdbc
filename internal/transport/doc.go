// Package transport is the HTTP binding of the federation protocol.
//
// Client implements syncer.Client with JSON over HTTP for request and
// response operations and a WebSocket for StreamEvents. It also carries
// the loopback-only calls the CLI uses to drive a running instance.
//
// Endpoints are base URLs such as "http://10.0.0.2:7777". The WebSocket
// URL is derived by swapping the scheme.
package transport
