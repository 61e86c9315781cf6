// Package mmapfile manages the lifecycle of a shared, memory-mapped backing
// file: create/open, page-granular growth, unlink, and snapshot-to-file.
//
// The mapping is MAP_SHARED, so every byte written through Bytes() lands in
// the file. All on-file pointers held by higher layers are relative offsets;
// growth extends the file append-only and never relocates existing content,
// but it may remap the slice returned by Bytes(). Callers must therefore
// re-fetch Bytes() after any operation that can grow the file and must not
// retain views across such operations.
//
// A File is not safe for concurrent use by itself. Higher layers serialize
// access; cross-process exclusivity for growth and snapshot is provided via
// an advisory flock on the file descriptor.
package mmapfile
