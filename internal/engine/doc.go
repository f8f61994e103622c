// Package engine implements the readjustment scheduler.
//
// A Readjuster pass finds every open installment whose next correction
// date has arrived, obtains the period's rate from a RateSource, computes
// the new amount with package calc and writes it back through the store.
//
// ARCHITECTURE:
//
// Claim, then act:
// Each (installment, period) pair owns one ReadjustmentRun row. A worker
// may only touch an installment after moving that run into Processing with
// a compare-and-swap; losing the swap means another worker owns it. The
// commit is guarded by the amount snapshotted at begin, so a period is
// applied at most once no matter how many passes overlap.
//
// Pass flow:
//  1. Recover runs stuck in Processing longer than LeaseTimeout
//  2. Find installments due as of the pass date
//  3. Correct them on a bounded worker pool (ForEach)
//  4. Record failures on the run with their class
//
// Failure classes (Classify):
//   - validation: terminal, logged at ERROR for an operator
//   - concurrency: skipped, the winner finishes the work
//   - transient: retried on a later pass after Backoff.Delay, terminal
//     once MaxAttempts is reached
//
// Nothing is retried inside a pass. A pass interrupted by its context
// leaves runs in Processing; the next pass recovers them.
package engine
