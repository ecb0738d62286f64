// Package vane implements the session, transport and dispatch core of a
// capability server: a JSON-RPC style request/response protocol over HTTP
// with server-initiated push, where clients establish durable sessions and
// invoke capabilities supplied by a pluggable Provider.
//
// Two transport variants are supported. The streaming variant keeps an SSE
// connection open and pushes every outbound frame through it; the
// request-scoped variant answers each POST on its own response body while
// preserving one logical session across calls. A stdio variant covers the
// spawned-subprocess case.
package vane
