// Package domain holds the data model shared by the readjustment engine, the
// notification scheduler and the installment store.
//
// This package contains type definitions and small pure helpers only. Every
// other internal package imports domain; domain imports nothing internal.
//
// Key design constraints:
//   - Money and rates are shopspring decimals, never floats
//   - Calendar dates are UTC midnights (see Day); wall-clock instants are UTC
//   - A FinancialInstallment never owns the IntermediateInstallment linked to it
package domain
