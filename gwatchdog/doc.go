// Package gwatchdog supervises long-lived subsystems such as the epoch kernel.
//
// A subsystem opts in with [*Watchdog.Monitor] and must acknowledge
// each periodic [Signal] within its response timeout.
// A missed acknowledgement, or an explicit [*Watchdog.Terminate]
// after an unrecoverable failure like a failed write of a finalized epoch,
// cancels the watchdog context so the whole process shuts down.
package gwatchdog
