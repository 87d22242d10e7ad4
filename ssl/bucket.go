package ssl

import (
	"github.com/cockroachdb/errors"

	"github.com/advdv/bpipe"
)

// DecryptBucket reads ciphertext from the transport and yields plaintext.
type DecryptBucket struct {
	ctx *Context
}

// NewDecrypt wires stream (the ciphertext source, usually the socket) into
// the shared context as its decrypt side. A nil sctx builds a fresh context
// through factory. Only one decrypt bucket may exist per context.
func NewDecrypt(stream bpipe.Bucket, sctx *Context, factory Factory, alloc *bpipe.Allocator) (*DecryptBucket, error) {
	ctx, err := sharedContext(sctx, factory, alloc)
	if err != nil {
		return nil, err
	}

	if ctx.decryptStream != nil {
		return nil, errors.New("context already has a decrypt stream")
	}
	ctx.decryptStream = stream
	ctx.ref()

	return &DecryptBucket{ctx: ctx}, nil
}

// Context exposes the shared TLS context, e.g. to install callbacks.
func (b *DecryptBucket) Context() *Context { return b.ctx }

func (b *DecryptBucket) Read(max int) ([]byte, bpipe.Status) {
	return b.ctx.decryptDatabuf.Read(max)
}

func (b *DecryptBucket) ReadLine(acceptable bpipe.LineEnd) ([]byte, bpipe.LineEnd, bpipe.Status) {
	return b.ctx.decryptDatabuf.ReadLine(acceptable)
}

func (b *DecryptBucket) Peek() ([]byte, bpipe.Status) {
	return b.ctx.decryptDatabuf.Peek()
}

func (b *DecryptBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, bpipe.Status) {
	return bpipe.ReadIovecViaRead(b, maxBytes, maxVecs)
}

func (b *DecryptBucket) Destroy() {
	if b.ctx.decryptStream != nil {
		b.ctx.decryptStream.Destroy()
		b.ctx.decryptStream = nil
	}
	b.ctx.unref()
}

func (b *DecryptBucket) SetConfig(cfg *bpipe.Config) bpipe.Status {
	return b.ctx.setConfig(cfg)
}

// EncryptBucket reads plaintext from a request stream and yields ciphertext.
type EncryptBucket struct {
	ctx *Context
	// ourStream is the logical request stream this bucket feeds; it tells a
	// destroy whether this bucket's stream is the active one.
	ourStream bpipe.Bucket
}

// NewEncrypt wires stream (a plaintext request stream) into the shared
// context's encrypt side. A nil sctx builds a fresh context through factory.
// Additional encrypt buckets on the same context queue their streams FIFO;
// each becomes active when its predecessor is destroyed, preserving message
// boundaries without blocking on message completion.
func NewEncrypt(stream bpipe.Bucket, sctx *Context, factory Factory, alloc *bpipe.Allocator) (*EncryptBucket, error) {
	ctx, err := sharedContext(sctx, factory, alloc)
	if err != nil {
		return nil, err
	}
	ctx.ref()

	bkt := &EncryptBucket{ctx: ctx, ourStream: stream}
	if ctx.encryptStream == nil {
		agg := bpipe.NewAggregate(alloc)
		agg.Append(stream)
		if ctx.cfg != nil {
			agg.SetConfig(ctx.cfg)
		}
		ctx.encryptStream = agg
		ctx.encryptOrigin = stream
		if ctx.encryptPending == nil {
			ctx.encryptPending = bpipe.NewAggregate(alloc)
		}
	} else {
		ctx.encryptNext = append(ctx.encryptNext, stream)
	}

	return bkt, nil
}

// Context exposes the shared TLS context, e.g. to install callbacks.
func (b *EncryptBucket) Context() *Context { return b.ctx }

func (b *EncryptBucket) Read(max int) ([]byte, bpipe.Status) {
	return b.ctx.encryptDatabuf.Read(max)
}

func (b *EncryptBucket) ReadLine(acceptable bpipe.LineEnd) ([]byte, bpipe.LineEnd, bpipe.Status) {
	return b.ctx.encryptDatabuf.ReadLine(acceptable)
}

func (b *EncryptBucket) Peek() ([]byte, bpipe.Status) {
	return b.ctx.encryptDatabuf.Peek()
}

func (b *EncryptBucket) ReadIovec(maxBytes, maxVecs int) ([][]byte, bpipe.Status) {
	return bpipe.ReadIovecViaRead(b, maxBytes, maxVecs)
}

func (b *EncryptBucket) Destroy() {
	ctx := b.ctx
	if ctx.encryptStream != nil && ctx.encryptOrigin == b.ourStream {
		ctx.encryptStream.Destroy()
		if ctx.encryptPending != nil {
			ctx.encryptPending.Destroy()
		}
		ctx.advanceEncryptStream()
	} else {
		// This bucket's stream is still queued and was never sent; drop it
		// from the queue and leave the active stream alone.
		queued := make([]bpipe.Bucket, 0, len(ctx.encryptNext))
		for _, s := range ctx.encryptNext {
			if s == b.ourStream {
				s.Destroy()
				continue
			}
			queued = append(queued, s)
		}
		ctx.encryptNext = queued
	}

	ctx.unref()
}

func (b *EncryptBucket) SetConfig(cfg *bpipe.Config) bpipe.Status {
	return b.ctx.setConfig(cfg)
}

// sharedContext resolves the context a new bucket joins.
func sharedContext(sctx *Context, factory Factory, alloc *bpipe.Allocator) (*Context, error) {
	if sctx != nil {
		return sctx, nil
	}

	return NewContext(factory, alloc)
}

var (
	_ bpipe.Bucket = &EncryptBucket{}
	_ bpipe.Bucket = &DecryptBucket{}
)
