/*
Package channel turns a byte stream into whole messages.

Each message is written as its encoded form followed by the delimiter
("\r\n\r\n" by default). Receive reads until at least one delimiter has
arrived, decodes every complete frame and keeps the trailing partial frame
in the history buffer for the next call, so the result does not depend on
how the stream was split across reads.

A call also returns once the decoded payload or the pending partial frame
reaches the threshold, leaving the partial frame in History.
*/
package channel
