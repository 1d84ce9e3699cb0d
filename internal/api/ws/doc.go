// Package ws streams a session to an editor over a WebSocket.
//
// A connection to GET /stream creates a session from the seed, or attaches
// to an existing one with ?session=<id>. The first server message is
// "session" carrying its id. Afterwards every build lifecycle event is
// forwarded as it happens:
//
//	build_started, build_result, ready, rendered, runtime_error
//
// Client messages:
//
//	{"type":"edit","path":"/App.tsx","content":"..."}  change the draft only
//	{"type":"edit","path":"/old.ts"}                   remove from the draft
//	{"type":"apply"}                                   build the draft
//	{"type":"apply","files":{...}}                     replace the draft and build
//	{"type":"resize","width":800,"height":600}
//	{"type":"state"}
//	{"type":"ping"}
//
// edit, apply and state are answered with a "state" message, ping with
// "pong", and anything invalid with "error". Messages are encoded with
// sonic.
package ws
