// Package dasdb is an embedded, file-backed associative storage engine.
//
// A dasdb file is a single memory-mapped backing file holding any number of
// independent stores, each living in an integer-identified region. Stores
// are ordered maps over two key/value domains (uint64 and string) with
// three policies: mutable, immutable snapshot, and transactional.
//
// # Quick start
//
//	db, _ := dasdb.Open("./data.das", dasdb.Create())
//	defer db.Close()
//
//	_ = db.AllocateRegion(1)
//	m, _ := dasdb.OpenMap[string, string](db, 1)
//
//	inserted, _ := m.Set("alpha", "a") // true: newly inserted
//	inserted, _ = m.Set("alpha", "b")  // false: key kept its prior value
//	v, found, _ := m.Get("alpha")      // "a", true
//
//	for k, v := range m.All() {
//	    fmt.Println(k, v)
//	}
//
// # Policies
//
// A Map is mutable by default: mutations apply in place and are immediately
// visible. Map.Snapshot copies the committed state into a new, permanently
// read-only region. Map.Begin stages mutations into a Txn that commits
// atomically:
//
//	txn, _ := m.Begin()
//	txn.Set("k", "v")
//	txn.Del("old")
//	_ = txn.Commit() // both visible together, or neither
//
// # Durability model
//
// All state lives in the mapped file; Sync flushes it, Snapshot copies it
// to an independent file, and the archive package streams a compressed,
// self-describing image for offsite storage.
package dasdb
