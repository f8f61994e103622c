// Package calc computes monetary corrections.
//
// Everything here is pure: no clock, no store, no hidden state. The
// readjustment engine may recompute a target after a crash and must get the
// same value back, so identical inputs always produce identical outputs.
//
// Amounts are fixed-point decimals. Results are rounded to the currency's
// minor unit with round-half-away-from-zero, never banker's rounding.
package calc
