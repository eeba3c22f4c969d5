package errors

import "net/http"

// JSON-RPC 2.0 standard error codes
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Gateway-specific error codes (implementation-defined server range)
const (
	// Credential errors (-32100 to -32199)
	CodeCredentialRequired  int = -32100 // No credential headers supplied
	CodeTokenInvalid        int = -32101 // Upstream rejected the token
	CodeTokenExpired        int = -32102 // Upstream reports the token expired
	CodeUpstreamUnreachable int = -32103 // Validation call failed in transit
)

// Stable machine-readable tags, exposed verbatim in HTTP error bodies.
const (
	TagCredentialRequired  = "credential_required"
	TagTokenInvalid        = "invalid_token"
	TagTokenExpired        = "token_expired"
	TagUpstreamUnreachable = "upstream_unreachable"
	TagParseError          = "parse_error"
	TagInvalidRequest      = "invalid_request"
	TagMethodNotFound      = "method_not_found"
	TagInternal            = "internal_error"
)

// CredentialRequired is returned when a session-bound method arrives without
// credential headers. Distinct from the validator's three outcomes: the
// request never reached the validator.
func CredentialRequired() *Error {
	return New(CodeCredentialRequired, TagCredentialRequired, http.StatusUnauthorized,
		CategoryCredential, "credential headers required for this method")
}

// TokenExpired is returned when the upstream reports the credential expired
func TokenExpired() *Error {
	return New(CodeTokenExpired, TagTokenExpired, http.StatusUnauthorized,
		CategoryCredential, "upstream credential has expired")
}

// TokenInvalid is returned when the upstream rejects the credential
func TokenInvalid() *Error {
	return New(CodeTokenInvalid, TagTokenInvalid, http.StatusUnauthorized,
		CategoryCredential, "upstream rejected the credential")
}

// UpstreamUnreachable is returned when the validation or tool call could not
// reach the upstream at all; detail preserves the transport failure.
func UpstreamUnreachable(detail string) *Error {
	return Newf(CodeUpstreamUnreachable, TagUpstreamUnreachable, http.StatusBadGateway,
		CategoryUpstream, "upstream unreachable: %s", detail)
}

// MethodNotFoundError is returned for methods outside the dispatch table
func MethodNotFoundError(method string) *Error {
	return Newf(CodeMethodNotFound, TagMethodNotFound, http.StatusOK,
		CategoryProtocol, "method not found: %s", method).
		WithData(map[string]string{"method": method})
}

// InvalidParamsError is returned when a method's params fail to decode
func InvalidParamsError(detail string) *Error {
	return Newf(CodeInvalidParams, TagInvalidRequest, http.StatusOK,
		CategoryProtocol, "invalid params: %s", detail)
}

// Internal wraps a collaborator failure as an envelope-level internal error,
// keeping the failing name in error.data for diagnosability.
func Internal(name string, cause error) *Error {
	return New(CodeInternalError, TagInternal, http.StatusOK,
		CategoryInternal, "internal error").
		WithCause(cause).
		WithData(map[string]string{"name": name})
}

// MalformedRequest is returned before session resolution when the body is not
// a parseable protocol envelope.
func MalformedRequest(detail string) *Error {
	return Newf(CodeParseError, TagParseError, http.StatusBadRequest,
		CategoryTransport, "malformed request: %s", detail)
}

// UnsupportedAPIVersion is returned when the supplied base URL names an
// upstream API version the gateway does not speak.
func UnsupportedAPIVersion(version string) *Error {
	return Newf(CodeInvalidRequest, TagInvalidRequest, http.StatusBadRequest,
		CategoryTransport, "unsupported upstream API version: %s", version)
}
