// Package engine is the composition root wiring source, observer,
// queue, executor, and submitter into one process.
package engine
