// Package supervisor implements lifecycle supervision of worker processes.
//
// Overview
// The Supervisor owns one entry per configured worker name. Clients ask it
// to start, stop or restart a worker; the health monitor feeds it probe
// verdicts. Every status change goes through the state store's Apply, the
// supervisor never mutates a status field directly.
//
// A worker entry pairs its immutable WorkerConfig with a Runner, the
// os/exec wrapper owning the actual child process. A watch goroutine per
// spawn consumes the process exit and turns it into the STOPPED or
// CRASHED transition, scheduling an automatic restart after a crash while
// the crash window allows it.
//
// Data flow:
//
//	API               Supervisor              Runner{cmd}
//	 |                    |                       |
//	 | start(name) ------>| spawn --------------->| Start()
//	 |                    |   Apply(STARTING)     | exec.Start + Wait() in goroutine
//	 |                    |<------ ExitStatus ----| (process exits)
//	 |                    | watch: Apply(STOPPED|CRASHED), maybe restart
//	 | stop(name) ------->| Apply(STOPPING), SIGTERM, grace timer, SIGKILL
//
// Invariants:
//   - At most one process per worker name at a time.
//   - At most one in-flight lifecycle operation per worker name; a second
//     one fails fast with ErrOperationInProgress.
//   - Operations on different names are independent.
//   - A stop always resolves the worker to STOPPED: the grace timer
//     escalates to SIGKILL when the process ignores the term signal.
//   - Automatic restarts are bounded by the crash window; past the limit
//     the worker stays CRASHED until an operator starts it explicitly.
package supervisor
