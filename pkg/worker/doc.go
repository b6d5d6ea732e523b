/*
Package worker owns one connection and the task running over it.

A worker moves through init, active, handshake or transfer, and ends in
done, stopped or error. Activate builds the send and receive pipelines and
the framed channel (dialing Target first when no connection was given);
Run drives the Task and always releases the socket on exit.

# Failures

Run classifies its error once into a TaskError:

	Kind        Severity  Cause
	refused     1         connection refused
	aborted     1         closed socket, deadline
	reset       2         connection reset, EOF
	integrity   3         pipeline.ErrIntegrity
	storage     4         *fs.PathError, ErrStorage
	user_abort  5         Stop, context cancelled
	unknown     0         anything else

Stop and Cancel are cooperative: they clear the work flag and set a past
deadline on the socket so blocked I/O returns.
*/
package worker
