package router

import "fmt"

// AppError is a rejection safe to put on the wire: Code for programmatic
// handling, Message for the REJECT envelope. Status carries the equivalent
// HTTP status for non-websocket surfaces.
type AppError struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotAuthorizedError() *AppError {
	return &AppError{Code: "NOT_AUTHORIZED", Status: 403, Message: "Not authorized"}
}

func AlreadyExistsError() *AppError {
	return &AppError{Code: "ALREADY_EXISTS", Status: 409, Message: "Resource already exists"}
}

func NotFoundError() *AppError {
	return &AppError{Code: "NOT_FOUND", Status: 404, Message: "Resource not found"}
}

// MutationRejectedError reports a write in which every field lost the
// per-field timestamp comparison.
func MutationRejectedError() *AppError {
	return &AppError{Code: "MUTATION_REJECTED", Status: 409, Message: "Mutation rejected"}
}

func ValidationError(msg string) *AppError {
	return &AppError{Code: "VALIDATION_FAILED", Status: 422, Message: msg}
}

func UnknownResourceError(name string) *AppError {
	return &AppError{Code: "UNKNOWN_RESOURCE", Status: 404, Message: fmt.Sprintf("Unknown resource: %s", name)}
}

func UnknownProcedureError(name string) *AppError {
	return &AppError{Code: "UNKNOWN_PROCEDURE", Status: 404, Message: fmt.Sprintf("Unknown procedure: %s", name)}
}
