// Package mcp is a client for remote tool servers speaking JSON-RPC 2.0 over
// HTTP POST. It implements the tools/list and tools/call methods.
//
// Each call is attempted exactly once under its own timeout. A JSON-RPC
// error object becomes *RPCError; anything that prevents a well-formed
// response (network failure, non-2xx status, undecodable body) wraps
// ErrTransport, and an expired deadline wraps ErrTimeout.
package mcp
