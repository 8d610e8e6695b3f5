// Package errors provides the classified error type used across buildstate.
//
// A ClassifiedError carries a category, a severity, a retry strategy and a
// context map. The categories mirror how the tracker fails:
//
//   - unknown_source: an operation required a known descriptor and found none
//   - domain_misuse: a path was handed to the wrong relativizer domain
//   - unsupported: the operation is deliberately not implemented
//
// Operations that tolerate a missing source do not return an error at all.
//
// Example usage:
//
//	err := errors.UnknownSourceError("source unknown").
//		WithContext("source", path).
//		Build()
package errors
