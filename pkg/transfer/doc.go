/*
Package transfer implements the file tasks run by workers.

On the server, NewTask returns the waiter for a handshake task kind:
upload receives a file into the work directory, download streams one out.
On the client, Sender and Receiver are their counterparts.

# Protocol

Both directions use JSON control messages and raw chunks over the worker
session:

	upload:   client FileHeader -> server Ack
	          client chunks...  -> server Ack (after sha256 check)

	download: client FileHeader{Name} -> server Ack
	          server FileHeader{Size, SHA256}, chunks... -> client Ack

Files are written to "<name>.part" and renamed into place once the digest
matches. Names are cleaned with CleanName; absolute paths and ".." are
rejected.
*/
package transfer
