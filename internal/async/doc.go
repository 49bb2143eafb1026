// Package async turns a callback driven bus into sequential procedures.
//
// A Loop owns a queue of closures and runs them one at a time. Tasks are
// procedures spawned on the loop; they look sequential but park at Call,
// Subscription.Match and LockTable.Enqueue until the awaited completion is
// delivered through the loop. Only one of the loop and its tasks runs at any
// moment, so state shared between tasks needs no locking as long as it is
// touched only from the loop or from tasks.
//
// Every task ends in exactly one terminal action of its Continuation: a reply
// for a task answering a call, or resuming the parent for a task started by
// Task.Await. Task.Fail and Task.Check end a task early with a structured
// Error; deferred calls in the task body still run, before the reply.
package async
