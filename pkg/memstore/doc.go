// Package memstore persists long-term memory records and retrieves them by
// semantic similarity over sqlite-vec embeddings.
//
// Records are written synchronously without an embedding and enriched
// asynchronously: every store or content update enqueues an embedding job on
// the background queue. A search that cannot produce a query embedding
// degrades to a recency/importance-ordered list instead of failing, because
// retrieval feeds a best-effort prompt-augmentation path and must always
// return something usable.
//
// Invariants:
//   - A soft-deleted record never appears in List or Search results, even
//     when its embedding row still exists.
//   - An embedding computed for content that changed while the job was in
//     flight is discarded, not written over the newer content's slot.
//   - All reads are scoped by tenant; user-scoped facts are only visible to
//     their owner.
//
// Usage:
//
//	store, err := memstore.New(memstore.Config{
//		DBPath: dbPath,
//		Queue:  queue,
//		APIKey: apiKey,
//		Logger: logger,
//	})
//	if err != nil { ... }
//	defer store.Close()
//
//	rec, err := store.Store(ctx, memstore.StoreInput{
//		TenantID:   tenantID,
//		Content:    "Monthly close happens on the 5th",
//		Category:   "PROCEDURE",
//		Importance: 8,
//	})
package memstore
