// Palimpsest - Workspace Audit Pipeline and Content Versioning
// Copyright 2026 Palimpsest Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/palimpsest-io/palimpsest

package audit

import "errors"

var (
	// ErrValidation marks a malformed entry. The entry is dropped with
	// a local diagnostic; the logging caller never sees it.
	ErrValidation = errors.New("invalid audit entry")

	// ErrRetryExhausted marks a batch whose write retries ran out. The
	// batch is routed to the fallback sink and not retried further.
	ErrRetryExhausted = errors.New("write retries exhausted")
)
