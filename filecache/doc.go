// Package filecache is the engine's process-wide file-size metadata
// cache. It exists so that resolving an end-relative ByteRange does not
// pay a stat round-trip on every operation against the same path: sizes
// are cached for the lifetime of the engine and looked up by a
// siphash-sharded set of reader-preferring locks.
package filecache
