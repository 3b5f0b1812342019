package tinyshard

/*
TinyShard is the transaction execution core of one shard of a sharded transactional table store, intended for teaching
and experimentation. A shard owns a contiguous key range and executes operations proposed to it: immediate ones right
away, planned ones in the order of the global plan timeline, and distributed ones together with the other shards they
touch by exchanging readsets.

The `tinyshard` module is organized into the following packages:

* `kv/shard`: the shard itself, a single goroutine consuming typed messages. It queues proposals, decides when each
  operation may run, executes it against the version store, coordinates distributed commits and recovers from the
  redo log after a restart.
* `kv/transaction`: the building blocks of execution. `order` compares operation ids and row versions, `operation`
  describes operations and their footprints, `latches` tracks dependencies between queued operations, `locks` keeps
  the read locks of open transactions and `mvcc` reads and writes versioned rows.
* `kv/storage`: the version store, in memory or on badger.
* `kv/redo`: durable records of operations in flight, received readsets and final outcomes.
* `kv/cluster`: several shards in one process with an in-process readset transport and plan provider, used by the
  tests and by the simulator.
* `kv/tinyshard-sim`: a command line simulator running workloads against an in-process cluster.

TinyShard does not include the network layer, the plan provider service or query compilation; `kv/cluster` stands in
for the first two.
*/
