// Package pool runs fetch tasks on a fixed set of long-lived workers.
//
// Producers submit (target, handler) tasks; each worker takes the next task
// from a shared FIFO, drives it through the retrying fetch loop and hands the
// decoded body to the handler, or records the task as failed once every
// attempt is spent. WaitDrain blocks until nothing is queued or in flight and
// Stop shuts the workers down after the queue empties.
package pool
