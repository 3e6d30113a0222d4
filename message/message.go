// Package message defines the RPC envelopes exchanged between client and server.
//
// Request and Response are the "envelopes" for every RPC call. They get serialized
// by the codec layer, optionally encrypted, and wrapped in a length-prefixed frame
// for transmission over TCP.
package message

import (
	"github.com/google/uuid"
)

// ServiceSep separates the service name from its version in a service key.
const ServiceSep = "#"

// ServiceKey returns the discovery identifier of a service, e.g. "calc#v1".
func ServiceKey(name, version string) string {
	return name + ServiceSep + version
}

// Request carries a single invocation from client to server.
//
// A Request is immutable after construction: the client builds it once, and the
// same value is encoded on the wire and used to correlate the response.
type Request struct {
	ID             uuid.UUID // Correlation ID, unique within the client process
	ServiceName    string    // e.g. "calc"
	ServiceVersion string    // e.g. "v1"
	MethodName     string    // e.g. "add"
	ParamTypes     []string  // Ordered type names, part of the method signature
	Params         [][]byte  // Ordered opaque parameter values (serialized by the param codec)
}

// NewRequest builds a request with a fresh random ID.
func NewRequest(service, version, method string, paramTypes []string, params [][]byte) *Request {
	return &Request{
		ID:             uuid.New(),
		ServiceName:    service,
		ServiceVersion: version,
		MethodName:     method,
		ParamTypes:     paramTypes,
		Params:         params,
	}
}

// ServiceKey returns the service key the request targets.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.ServiceVersion)
}

// Response carries the outcome of a single invocation.
//
// Exactly one of Result and Error is meaningful: a nil Error means success.
type Response struct {
	ID     uuid.UUID // Same ID as the request
	Result []byte    // Serialized return value
	Error  *Error    // Structured failure, nil on success
}

// NewResult builds a successful response for the request with the given ID.
func NewResult(id uuid.UUID, result []byte) *Response {
	return &Response{ID: id, Result: result}
}

// NewFailure builds a failed response. Errors that are not already *Error
// are reported as invocation failures.
func NewFailure(id uuid.UUID, err error) *Response {
	return &Response{ID: id, Error: AsError(err)}
}

// Err returns the response failure as an error, or nil on success.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}
