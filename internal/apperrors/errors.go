// Package apperrors implements the stable error taxonomy the plugin runtime
// and job queue surface to callers: a closed set of codes, each with a
// fixed prefix string that is safe to hand back to an untrusted module.
//
// Detail leakage into production is suppressed by SetDisclose(false); when
// disclosure is off, Error() omits Details and callers only ever see the
// stable prefix plus Message.
package apperrors

import "fmt"

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeIdentityConflict       Code = "IdentityConflict"
	CodeManifestInvalid        Code = "ManifestInvalid"
	CodePermissionDenied       Code = "PermissionDenied"
	CodePayloadTooLarge        Code = "PayloadTooLarge"
	CodeResponseTooLarge       Code = "ResponseTooLarge"
	CodeRequestTooLarge        Code = "RequestTooLarge"
	CodeNestedTooDeep          Code = "NestedTooDeep"
	CodeInvalidHandle          Code = "InvalidHandle"
	CodeInvalidURI             Code = "InvalidUri"
	CodeNotFound               Code = "NotFound"
	CodeStoreUnavailable       Code = "StoreUnavailable"
	CodeTimeout                Code = "Timeout"
	CodeLeaseExpired           Code = "LeaseExpired"
	CodeBadMigrationSQL        Code = "BadMigrationSql"
	CodeUnsupportedJobType     Code = "UnsupportedJobType"
	CodeUnsupportedPayloadVer  Code = "UnsupportedPayloadVersion"
	CodeUnconfigured           Code = "Unconfigured"
)

// prefixes mirrors §7's stable surface strings returned to modules.
var prefixes = map[Code]string{
	CodeIdentityConflict:      "Identity Conflict",
	CodeManifestInvalid:       "Manifest Invalid",
	CodePermissionDenied:      "Permission Denied",
	CodePayloadTooLarge:       "Payload Too Large",
	CodeResponseTooLarge:      "Response Too Large",
	CodeRequestTooLarge:       "Request Too Large",
	CodeNestedTooDeep:         "Nested Too Deep",
	CodeInvalidHandle:         "Invalid Handle",
	CodeInvalidURI:            "Invalid URI",
	CodeNotFound:              "NotFound",
	CodeStoreUnavailable:      "Store Unavailable",
	CodeTimeout:               "Timeout",
	CodeLeaseExpired:          "Lease Expired",
	CodeBadMigrationSQL:       "Migration SQL not allowed",
	CodeUnsupportedJobType:    "Unsupported Job Type",
	CodeUnsupportedPayloadVer: "Unsupported Payload Version",
	CodeUnconfigured:          "Unconfigured",
}

// disclose controls whether Error() renders Details. Production builds call
// SetDisclose(false) once at startup; tests default to disclosing.
var disclose = true

// SetDisclose toggles whether Details is rendered into the error string.
func SetDisclose(on bool) {
	disclose = on
}

// AppError is the error type returned across every capability-surface
// boundary in the runtime (sandbox, gatekeeper, job store, VFS broker).
type AppError struct {
	Code    Code
	Message string
	Details string
}

func (e *AppError) Error() string {
	prefix := prefixes[e.Code]
	if prefix == "" {
		prefix = string(e.Code)
	}
	msg := e.Message
	if msg == "" {
		msg = prefix
	}
	if disclose && e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", prefix, msg, e.Details)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// New builds an AppError with no extra detail.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap builds an AppError carrying an underlying cause as Details.
func Wrap(code Code, message string, cause error) *AppError {
	e := &AppError{Code: code, Message: message}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func IdentityConflict(pluginID string) *AppError {
	return New(CodeIdentityConflict, fmt.Sprintf("plugin id %q is bound to a different origin", pluginID))
}

func ManifestInvalid(reason string) *AppError {
	return New(CodeManifestInvalid, reason)
}

// PermissionDenied never discloses which rule denied, per §7.
func PermissionDenied() *AppError {
	return New(CodePermissionDenied, "operation not permitted")
}

func PayloadTooLarge(limit int) *AppError {
	return New(CodePayloadTooLarge, fmt.Sprintf("payload exceeds %d bytes", limit))
}

func ResponseTooLarge(limit int64) *AppError {
	return New(CodeResponseTooLarge, fmt.Sprintf("response exceeds %d bytes", limit))
}

func RequestTooLarge(limit int64) *AppError {
	return New(CodeRequestTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
}

func NestedTooDeep(maxDepth int) *AppError {
	return New(CodeNestedTooDeep, fmt.Sprintf("JSON nesting exceeds depth %d", maxDepth))
}

func InvalidHandle(handle uint64) *AppError {
	return New(CodeInvalidHandle, fmt.Sprintf("no buffer for handle %d", handle))
}

func InvalidURI(uri string) *AppError {
	return New(CodeInvalidURI, fmt.Sprintf("invalid uri %q", uri))
}

func NotFound(kind, id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id))
}

func StoreUnavailable(cause error) *AppError {
	return Wrap(CodeStoreUnavailable, "persistence store unavailable", cause)
}

func Timeout(op string) *AppError {
	return New(CodeTimeout, fmt.Sprintf("%s timed out", op))
}

func LeaseExpired(jobID string) *AppError {
	return New(CodeLeaseExpired, fmt.Sprintf("lease for job %q expired", jobID))
}

func BadMigrationSQL(reason string) *AppError {
	return New(CodeBadMigrationSQL, reason)
}

func UnsupportedJobType(jobType string) *AppError {
	return New(CodeUnsupportedJobType, fmt.Sprintf("unsupported job type %q", jobType))
}

func UnsupportedPayloadVersion(version int) *AppError {
	return New(CodeUnsupportedPayloadVer, fmt.Sprintf("unsupported payload version %d", version))
}

func Unconfigured(what string) *AppError {
	return New(CodeUnconfigured, fmt.Sprintf("%s is not configured", what))
}

// Is reports whether err is an *AppError with the given code, supporting
// errors.Is-style comparisons without importing the standard errors package
// cycle here.
func Is(err error, code Code) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Code == code
}
