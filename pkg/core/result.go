// SPDX-License-Identifier: Apache-2.0

package core

// RunOptions accompany every adapter call.
type RunOptions struct {
	DryRun      bool      `json:"dry_run"`
	RiskLevel   RiskLevel `json:"risk_level"`
	ExecutionID string    `json:"execution_id"`
	// ActionIndex positions the call inside its plan; adapters use it for idempotency keys.
	ActionIndex int   `json:"action_index"`
	TimeoutMs   int64 `json:"timeout_ms"`
}

// ToolResult is the uniform outcome of run and rollback calls.
//
// A failed result carries a non-empty Error. A dry run always carries Diff.
// A real apply that mutated state carries RollbackData sufficient to undo it.
type ToolResult struct {
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	Diff         string `json:"diff,omitempty"`
	RollbackData any    `json:"rollback_data,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Failed builds a failed result.
func Failed(msg string) ToolResult {
	if msg == "" {
		msg = "unknown error"
	}
	return ToolResult{Success: false, Error: msg}
}
