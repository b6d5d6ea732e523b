/*
Package storage persists finished transfers in BoltDB.

BoltStore keeps one bucket, "transfers", keyed by worker UUID with JSON
encoded TransferRecord values. The database file is <dataDir>/beedrive.db.
BoltDB allows a single writer process, so a second open of the same file
times out after one second while a server holds it.

Managers write through the Recorder method; the CLI history command and
the /transfers endpoint read through ListTransfers, newest first. Prune
removes records finished before a cutoff and backs the --retention flag.
*/
package storage
