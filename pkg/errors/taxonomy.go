// SPDX-License-Identifier: Apache-2.0

package errors

// PlanValidation reports a malformed or empty plan. Callers must resubmit with a different goal.
func PlanValidation(planID, reason string) *Error {
	return New(CodePlanValidation, reason, nil).
		WithContext("plan_id", planID).
		WithRecoverable(false)
}

// ApprovalRejected reports a presented approval token that failed validation.
// The token is spent; a new one must be obtained.
func ApprovalRejected(planID, reason string) *Error {
	return New(CodeApprovalRejected, reason, nil).
		WithContext("plan_id", planID).
		WithRecoverable(false)
}

// ToolExecution wraps an adapter apply failure.
func ToolExecution(tool string, cause error) *Error {
	return New(CodeToolFailure, "tool execution failed", cause).
		WithContext("tool", tool).
		WithAttribute("tool.name", tool).
		WithRecoverable(false)
}

// CircuitOpen reports a call rejected by an open breaker.
func CircuitOpen(breaker string) *Error {
	return New(CodeCircuitOpen, "circuit breaker open", nil).
		WithContext("breaker", breaker).
		WithRecoverable(true)
}

// SecretNotFound reports an exhausted credential chain. keyHash must never be the clear-text key.
func SecretNotFound(keyHash string) *Error {
	return New(CodeSecretNotFound, "secret not found in any provider", nil).
		WithContext("key_hash", keyHash).
		WithRecoverable(false)
}

// SecretExpired reports that the only value found for a secret had expired.
func SecretExpired(keyHash string) *Error {
	return New(CodeSecretExpired, "secret expired", nil).
		WithContext("key_hash", keyHash).
		WithRecoverable(false)
}

// RollbackUnavailable reports an applied mutation that cannot be reversed.
func RollbackUnavailable(tool, reason string) *Error {
	return New(CodeRollbackUnavailable, reason, nil).
		WithContext("tool", tool).
		WithRecoverable(false)
}

// InvalidState reports an operation attempted in the wrong lifecycle state.
func InvalidState(executionID, state, op string) *Error {
	return New(CodeInvalidState, op+" not allowed in state "+state, nil).
		WithContext("execution_id", executionID).
		WithContext("state", state)
}

// NotFound reports a missing resource.
func NotFound(resource, name string) *Error {
	return New(CodeNotFound, resource+" not found", nil).
		WithContext("resource", resource).
		WithContext("name", name)
}
