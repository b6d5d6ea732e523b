/*
Package manager runs a bounded pool of workers on a single goroutine.

All state belongs to the manager goroutine. The Handle returned by Start
talks to it over a request channel, one request at a time:

	IsFull    whether PoolSize workers are still running
	NewTask   start a worker for a dispatched connection
	KillTask  cancel a worker by UUID
	Update    status rows of live workers, sorted by UUID
	Stop      cancel every worker and wait for all of them

A killed worker leaves Update at once but keeps its slot until its
goroutine returns, so the pool never runs more than PoolSize workers.
Finished workers are recorded through the Recorder and announced on the
event publisher.
*/
package manager
