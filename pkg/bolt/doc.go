// Package bolt implements the server side of the Bolt protocol session
// layer for BoltD: the connection state machine, chunked message framing
// (with optional WebSocket transport), and the segmented I/O buffer that
// backs both.
//
// Bolt is a binary request/response protocol for a graph database. This
// package owns a single client connection from the initial magic
// handshake through authentication, query streaming, transactional
// streaming, failure recovery, and graceful shutdown. The graph query
// engine and the PackStream value codec are external collaborators;
// this package only calls their interfaces (QueryExecutor, ReplyEncoder).
package bolt
