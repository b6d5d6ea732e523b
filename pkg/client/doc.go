/*
Package client connects to a BeeDrive server and runs transfers.

Each transfer opens its own connection: dial, handshake, then a worker
drives a Sender or Receiver task over the full pipeline.

	c := client.NewClient(client.Config{
		Address: "files:8888",
		User:    "alice",
		Secret:  secret,
		Crypto:  true,
		Sign:    true,
	})
	status, err := c.Upload(ctx, osfs.New("/", osfs.WithBoundOS()), "/tmp/report.pdf", "docs/report.pdf")

NewHandshake builds the opening frame with a fresh nonce and timestamp.
SendExist delivers the shutdown sentinel and is used by the server to wake
its own accept loop.
*/
package client
