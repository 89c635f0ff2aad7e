package corosio

import "golang.org/x/sys/unix"

// maxIovecs bounds how many buffer-sequence elements a single readv/writev
// unroll will submit to one system call, per spec §4.D.
const maxIovecs = 16

// ConstBuffer is a read-only view used as a WriteSome source.
type ConstBuffer = []byte

// MutableBuffer is a writable view used as a ReadSome destination.
type MutableBuffer = []byte

// ConstBufferSequence yields the ordered, read-only buffers a WriteSome
// call gathers from. A single []byte already satisfies this via
// SingleConstBuffer.
type ConstBufferSequence interface {
	ConstBuffers() []ConstBuffer
}

// MutableBufferSequence yields the ordered, writable buffers a ReadSome
// call scatters into.
type MutableBufferSequence interface {
	MutableBuffers() []MutableBuffer
}

// SingleConstBuffer adapts one []byte into a ConstBufferSequence.
type SingleConstBuffer struct{ Buf ConstBuffer }

func (b SingleConstBuffer) ConstBuffers() []ConstBuffer { return []ConstBuffer{b.Buf} }

// SingleMutableBuffer adapts one []byte into a MutableBufferSequence.
type SingleMutableBuffer struct{ Buf MutableBuffer }

func (b SingleMutableBuffer) MutableBuffers() []MutableBuffer { return []MutableBuffer{b.Buf} }

// MultiConstBuffer is a plain slice-of-slices ConstBufferSequence, for
// scatter/gather writes.
type MultiConstBuffer []ConstBuffer

func (b MultiConstBuffer) ConstBuffers() []ConstBuffer { return b }

// MultiMutableBuffer is a plain slice-of-slices MutableBufferSequence, for
// scatter/gather reads.
type MultiMutableBuffer []MutableBuffer

func (b MultiMutableBuffer) MutableBuffers() []MutableBuffer { return b }

// unrollConst copies up to maxIovecs non-empty buffers from seq into iov,
// returning the slice actually used. Zero-length elements are skipped, per
// spec §6. Unrolling the same sequence twice yields identical results
// (spec §8 "Buffer-unroll idempotence") since it performs no mutation of
// seq itself.
func unrollConst(seq ConstBufferSequence, iov []unix.Iovec) []unix.Iovec {
	out := iov[:0]
	for _, b := range seq.ConstBuffers() {
		if len(b) == 0 {
			continue
		}
		if len(out) >= maxIovecs {
			break
		}
		out = append(out, unix.Iovec{Base: &b[0]})
		out[len(out)-1].SetLen(len(b))
	}
	return out
}

func unrollMutable(seq MutableBufferSequence, iov []unix.Iovec) []unix.Iovec {
	out := iov[:0]
	for _, b := range seq.MutableBuffers() {
		if len(b) == 0 {
			continue
		}
		if len(out) >= maxIovecs {
			break
		}
		out = append(out, unix.Iovec{Base: &b[0]})
		out[len(out)-1].SetLen(len(b))
	}
	return out
}

// totalLen sums the length of every element in a const buffer sequence,
// used to fast-path a fully-zero-length write as a synchronous n=0
// completion (spec §8 "Zero-length read/write completes synchronously").
func totalConstLen(seq ConstBufferSequence) int {
	n := 0
	for _, b := range seq.ConstBuffers() {
		n += len(b)
	}
	return n
}

func totalMutableLen(seq MutableBufferSequence) int {
	n := 0
	for _, b := range seq.MutableBuffers() {
		n += len(b)
	}
	return n
}
