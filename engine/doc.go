// Package engine drives per-worker io_uring rings that chain
// open/read/close operations to satisfy byte-range read requests at
// NVMe speeds. It owns the worker scheduler (package workqueue), the
// aligned buffer substrate (package buf), and the file-size cache
// (package filecache), wiring them behind the Reader contract: a bounded
// input channel of Operation batches in, a bounded output channel of
// Chunks out.
package engine
