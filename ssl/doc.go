// Package ssl bridges an external TLS engine between two bucket streams: an
// encrypt bucket that turns a plaintext request stream into ciphertext for
// the transport, and a decrypt bucket that turns transport ciphertext back
// into plaintext for the consumer.
//
// Both buckets share one [Context]. The engine itself is a collaborator
// injected through a [Factory]; the context hands it a [Callbacks] bundle
// whose transport hooks the engine calls synchronously from inside its
// plaintext read and write, because TLS is bidirectional during the
// handshake. Statuses observed inside those hooks cannot travel through the
// engine's return codes, so the context smuggles them through crypt-status
// and pending-error side channels, exactly as the read loops expect.
//
// The pair never blocks: when the engine wants inbound bytes before it can
// produce outbound ones, the encrypt side answers [bpipe.StatusWaitConn] on
// the call where the engine first asks to read (unless that call also
// produced ciphertext to hand out) and, while the engine keeps waiting, the
// last status seen on the ciphertext source, [bpipe.StatusAgain] when that
// was OK. The decrypt side answers [bpipe.StatusAgain]. The I/O loop is
// expected to come back after servicing the other direction.
package ssl
