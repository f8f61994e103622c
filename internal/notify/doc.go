// Package notify implements the due-date notification scheduler.
//
// A pass claims every open installment entering the notice window by
// inserting its NotificationRecord, then delivers pending records through
// a Deliverer. The record is the claim: an installment's due date is
// noticed once no matter how many passes run, and a failed delivery stays
// visible until it is sent or fails terminally.
package notify
