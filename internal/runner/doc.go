// Package runner fires readjustment and notification passes on their
// daily schedules.
//
// Each job kind holds a JobLock while its pass runs. A trigger that finds
// the lock taken returns ErrJobBusy at once instead of queueing behind the
// running pass, so the two jobs never block each other and a slow pass is
// never doubled. Passes run under a soft timeout; work abandoned by a
// timeout stays in the store and is recovered by a later pass.
package runner
