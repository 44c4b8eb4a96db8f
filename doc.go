package tinyrepl

/*
TinyRepl is a synchronous multi-master replication provider intended for teaching and experimentation. It is not
suitable for production use. It is modeled on certification-based replication as implemented by
[Galera](https://github.com/codership/galera) (and we suggest you use that if you need synchronous replication in
production).

A node replicates complete transaction write sets through a totally ordered group transport, certifies them against
concurrent transactions by symbolic key comparison, and applies non-conflicting transactions in parallel while
serializing commits. The first transaction ordered for a row wins; later conflicting local transactions roll back,
or are brute-force aborted and replayed at their reserved position.

Building TinyRepl produces one executable: tinyrepl-server, a single node running over the in-process loopback group.

The `tinyrepl` module is organized into the following packages:

* `repl/writeset`: canonical key encoding and the write-set wire format.
* `repl/cert`: the certification index; decides conflicts and dependencies by global ordering.
* `repl/monitor`: the ordered critical sections (local, apply, commit) every write set passes through.
* `repl/trx`: the replicated transaction and its state machine.
* `repl/gcs`: the group communication contract and the in-process loopback group.
* `repl/gcache`: the persistent write-set cache.
* `repl/statefile`: the crash-safe recovery position on disk.
* `repl/replicator`: the provider tying it all together.
* `config`: toml configuration.
* `tinyrepl-server`: the node daemon.
 */
