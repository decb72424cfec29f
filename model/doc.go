// Package model defines the wire-level request/response vocabulary the
// engine operates over: Operation in, Chunk out, plus the closed set of
// error kinds a Chunk's outcome can carry.
package model
