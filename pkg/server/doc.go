/*
Package server implements the BeeDrive acceptor: the listening socket, the
authentication handshake and the dispatch of accepted connections onto a
bounded set of worker managers.

# Connection lifecycle

Every accepted connection must open with one clear (base64 only) frame
carrying a JSON Handshake:

	{"card": {...}, "user": "alice", "task": "upload",
	 "nonce": "<uuid>", "time": 1760400000, "proof": "<hex>"}

The proof is the hex HMAC-SHA256 of "<card uuid>:<nonce>:<time>" keyed by
the user's shared secret. The time must lie within ReplayWindow of the
server clock and a nonce is accepted once per card, so a captured
handshake cannot be replayed. The card's crypto and sign flags must match the
server policy. The server answers with one clear HandshakeReply frame and,
when accepted, hands the socket to a manager. From then on both sides use
the full pipeline.

# Backpressure

Dispatch scans the managers in creation order and hands the connection to
the first one with a free slot. When all are full and fewer than
MaxManagers exist, a new manager is started. Otherwise the accept loop
sleeps RetryInterval and scans again, so at most MaxManagers*MaxWorkers
transfers run at once and further clients wait in the listen backlog.

# Shutdown

Stop stops every manager, then connects to its own listener with the
internal "exist" sentinel so a parked Accept returns. Only a loopback peer
holding the sentinel token can trigger this path.
*/
package server
