// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// cliError wraps a failure with the command that hit it and a hint.
type cliError struct {
	op      string
	context string
	cause   error
	hint    string
}

func newCommandError(op, context string, cause error, hint string) error {
	return &cliError{op: op, context: context, cause: cause, hint: hint}
}

func (e *cliError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.op, e.context, e.cause)
	if e.hint != "" {
		msg += "\n  Hint: " + e.hint
	}
	return msg
}

func (e *cliError) Unwrap() error { return e.cause }

// hintFor suggests a next step for well-known error codes.
func hintFor(err error) string {
	switch errors.CodeOf(err) {
	case errors.CodeNotFound:
		return "List executions with 'orchestrator executions list'."
	case errors.CodeInvalidState:
		return "Inspect the execution with 'orchestrator executions get <id>'."
	case errors.CodeApprovalRejected:
		return "Check the approval token and that it covers the plan's risk level."
	case errors.CodeCircuitOpen:
		return "The tool's breaker is open; see 'orchestrator breaker status'."
	case errors.CodeSecretNotFound:
		return "Set the secret in a configured provider (credentials.providers)."
	case errors.CodePlanValidation:
		return "Check action types, tools and routes."
	}
	return ""
}

type errorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Hint        string `json:"hint,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// printError renders err on w, as a JSON object when asJSON is set.
func printError(w io.Writer, err error, asJSON bool) {
	p := errorPayload{Code: "ERROR", Message: err.Error()}
	var ce *cliError
	if stderrors.As(err, &ce) {
		p.Hint = ce.hint
		p.Message = fmt.Sprintf("%s: %s: %v", ce.op, ce.context, ce.cause)
	}
	if errors.CodeOf(err) != "" {
		typed := errors.As(err)
		p.Code = string(typed.Code)
		p.Recoverable = typed.Recoverable
		if p.Hint == "" {
			p.Hint = hintFor(err)
		}
	}

	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]errorPayload{"error": p})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", p.Code, p.Message)
	if p.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", p.Hint)
	}
}
