// Package segstore implements the on-disk storage primitives of a segmented
// RDF store: a family of memory-mapped, file-backed containers sharing a
// common lockable-file abstraction.
//
// Three concrete containers are built on that abstraction:
//
//   - List, an append-only fixed-width record file with buffered appends,
//     random reads, and an external-memory chunked sort with k-way
//     merge/uniq iteration.
//   - ModelHash, an open-addressed fixed-width hash table mapping a 64-bit
//     resource id to a 32-bit index.
//   - ResourceHash, a bucketed open-addressed hash table mapping a 64-bit
//     resource id to a lexical form plus an attribute id, with inline
//     small-string packing, numeric/date bit-packing, prefix dictionary
//     compression, and zlib compression for long strings.
//
// All three containers follow the same discipline: open (which initializes
// the header if the file is empty and revalidates it on every subsequent
// lock), acquire a shared or exclusive lock, perform any number of locked
// operations, then release. Releasing an exclusive lock flushes metadata
// and fsyncs before the advisory lock is dropped.
//
// Basic usage:
//
//	l, err := segstore.OpenList("/path/to/rows.list", 32)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	if err := l.Lock(segstore.LockEX); err != nil {
//	    log.Fatal(err)
//	}
//	pos, err := l.AddR(row)
//	l.Lock(segstore.LockUN)
package segstore
