// Package buf implements the shared, runtime-aligned byte buffer
// substrate that the I/O engine partitions without copying.
//
// A single backing allocation is obtained with Allocate and handed out
// as a MutView covering the whole region. MutViews can be Split into
// disjoint, independently-writable sub-ranges of the same allocation,
// which lets a scatter read fill several destinations concurrently.
// Once a MutView is the sole live view of its allocation it can be
// Frozen into an ImmView, a cheaply-cloneable read-only handle; any
// number of overlapping ImmViews may then coexist, and the backing
// memory is released exactly once, when the last view is Released.
//
//	v, err := buf.Allocate(8<<20, 512)
//	left, right, err := v.Split(4 << 20)
//	// ... two workers fill left and right concurrently ...
//	imm, err := right.Freeze()
//	clone := imm.Clone()
package buf
