// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCameraID  = "camera_id"
	FieldRequestID = "request_id"
	FieldRunID     = "run_id"

	// Process / stream fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldExitCode  = "exit_code"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath      = "path"
	FieldIndexPath = "index_path"
)
