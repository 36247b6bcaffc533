// Package batching groups jobs into small batches, e.g. to reduce the
// number of round trips. The cloud sync queue uses it to assemble envelope
// batches that flush on whichever of count, time, or cumulative byte size
// is reached first.
package batching
