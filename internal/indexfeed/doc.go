// Package indexfeed supplies correction rates from published economic
// indices.
//
// Feed reads monthly index values from the store and compounds them over
// a contract's correction window. BCBClient fetches the monthly series
// from the Banco Central SGS API and ImportCSV loads spreadsheet exports;
// both write into the same index table.
package indexfeed
