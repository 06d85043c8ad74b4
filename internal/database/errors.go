// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package database

import "strings"

// DuckDB surfaces storage errors as text, not typed codes. Version
// allocation relies on classifying two families: optimistic-concurrency
// transaction conflicts and primary-key constraint violations. Both mean
// "another writer got there first" to the caller.

// IsConstraintViolation reports whether err is a unique/primary key
// constraint violation.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key") ||
		strings.Contains(msg, "violates primary key constraint") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "Constraint Error")
}

// IsTransactionConflict reports whether err is an optimistic concurrency
// conflict between overlapping write transactions.
func IsTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "TransactionContext Error")
}

// IsConflict reports whether err indicates a concurrent writer won, in
// any form. Callers treat this as retryable.
func IsConflict(err error) bool {
	return IsConstraintViolation(err) || IsTransactionConflict(err)
}
