// Package bpipe implements a lazy, composable, streaming byte-pipeline for
// parsing and emitting network protocol data, primarily HTTP/1.1 responses
// read over TLS.
//
// The central abstraction is the [Bucket]: a polymorphic byte source read
// incrementally through a universal protocol of Read, ReadLine, Peek and
// ReadIovec. Buckets never block; when they cannot make progress they return
// [StatusAgain] or [StatusWaitConn] and expect the single-threaded I/O loop
// driving them to come back later. Structural buckets compose sources:
// [SimpleBucket] wraps one in-memory range, [AggregateBucket] drains an
// ordered queue of children, [IovecBucket] walks a vector of ranges, and
// [HeadersBucket] doubles as an ordered case-insensitive header multimap and
// a source of serialized header bytes.
//
// [ResponseBucket] layers the HTTP/1.x response parse over any raw stream:
// status line, headers, then a body framed by Content-Length, chunked
// transfer encoding ([DechunkBucket], including trailing headers) or the
// close of the connection. A response whose underlying stream ends before
// the declared body does never reports a bare EOF; it reports
// [StatusTruncatedHTTPResponse].
//
// Reading an HTTPS response composes as
//
//	socket source → ssl decrypt → response bucket → application
//
// with the TLS side provided by the ssl subpackage.
//
// # Ownership
//
// Buckets are single-ownership. The consumer destroys the bucket exactly
// once, which recursively destroys the children it owns; byte slices handed
// out by a read are borrowed and valid only until the next operation on the
// same bucket. An [Allocator] scopes buffer accounting to one logical
// connection or transaction.
package bpipe
