package transaction

// The transaction package holds the pieces a shard uses to order and execute operations. The shard itself lives in
// kv/shard and drives them from its event loop.
//
// An operation is identified by (plan step, tx id). Step 0 marks an *immediate* operation: a single shard operation
// that runs without a global plan step. Other steps come from an external plan provider and order distributed
// operations on every shard they touch. `order` defines the identifiers, row versions and the comparator telling how
// two operations relate on that timeline (Before, After, Any or Unknown).
//
// `operation` describes the operations themselves: kind, read and write footprints, flags, status and the
// deterministic programs data transactions run. Programs see the reads of every participating shard, which is how a
// distributed operation moves data between shards.
//
// `latches` is the dependency tracker. It knows the footprint of every unresolved operation and answers whether a
// given operation may run now. Disjoint operations never wait for each other, which lets immediate operations pass
// distributed ones that are stuck waiting for readsets.
//
// `locks` keeps the read locks of open multi-statement transactions. A committed write to a locked key breaks the
// lock and the transaction's commit aborts.
//
// `mvcc` reads from a snapshot of the version store and buffers writes stamped with a commit version, so that a
// whole operation is applied in one atomic batch.
