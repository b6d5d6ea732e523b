/*
Package api serves the BeeDrive operator endpoints over HTTP.

	GET /health      process is up, with version
	GET /live        process is up, with uptime
	GET /ready       listener accepting and history readable (503 otherwise)
	GET /transfers   finished transfers, newest first; ?limit=N
	GET /metrics     Prometheus exposition

The endpoints listen on their own address (127.0.0.1:9090 by default),
separate from the transfer port.
*/
package api
