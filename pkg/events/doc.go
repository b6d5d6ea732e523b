/*
Package events provides an in-process broker for transfer lifecycle events.

Managers publish transfer.started, transfer.completed, transfer.failed and
transfer.stopped; the acceptor publishes handshake.rejected and
manager.started. Publish never blocks the publisher: an event for a
subscriber whose queue is full is dropped and counted in Dropped.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	for ev := range broker.Subscribe() {
		fmt.Println(ev.Type, ev.Metadata["worker_id"])
	}

Stop closes every subscriber channel, so range loops end with the broker.
*/
package events
