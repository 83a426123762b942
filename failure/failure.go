// Package failure defines the structural failure taxonomy that travels inside
// CallFailure and StreamClosed messages, and the error value that carries it
// back to callers.
//
// Info is data, not an error: it is serialized on the wire with every field
// present (null when unset). Error wraps an Info together with a composed,
// human-readable message and the cause that produced it.
package failure

// Info is a closed failure taxonomy. Callers populate exactly one field.
type Info struct {
	AuthenticationError *string `json:"authenticationError"`
	SecurityError       *string `json:"securityError"`
	RequestError        *string `json:"requestError"`
	TransportError      *string `json:"transportError"`
	ProducerCancelled   *string `json:"producerCancelled"`
	Conflict            *string `json:"conflict"`
	UnresolvedService   *string `json:"unresolvedService"`
	ServiceNotReady     *string `json:"serviceNotReady"`
}

// field pairs a wire name with its value; order is the Message priority.
type field struct {
	name  string
	value *string
}

func (i Info) fields() []field {
	return []field{
		{"authenticationError", i.AuthenticationError},
		{"securityError", i.SecurityError},
		{"requestError", i.RequestError},
		{"transportError", i.TransportError},
		{"conflict", i.Conflict},
		{"unresolvedService", i.UnresolvedService},
		{"serviceNotReady", i.ServiceNotReady},
		{"producerCancelled", i.ProducerCancelled},
	}
}

// Message returns the first populated field in priority order, or "unknown".
func (i Info) Message() string {
	for _, f := range i.fields() {
		if f.value != nil {
			return *f.value
		}
	}
	return "unknown"
}

// Kind returns the wire name of the field Message picked, or "unknown".
func (i Info) Kind() string {
	for _, f := range i.fields() {
		if f.value != nil {
			return f.name
		}
	}
	return "unknown"
}

// IsZero reports whether no field is populated.
func (i Info) IsZero() bool {
	for _, f := range i.fields() {
		if f.value != nil {
			return false
		}
	}
	return true
}

func (i Info) String() string {
	return "Failure[" + i.Kind() + "=" + i.Message() + "]"
}

func Authentication(msg string) Info { return Info{AuthenticationError: &msg} }
func Security(msg string) Info       { return Info{SecurityError: &msg} }
func Request(msg string) Info        { return Info{RequestError: &msg} }
func Transport(msg string) Info      { return Info{TransportError: &msg} }
func Cancelled(msg string) Info      { return Info{ProducerCancelled: &msg} }
func Conflict(msg string) Info       { return Info{Conflict: &msg} }
func Unresolved(msg string) Info     { return Info{UnresolvedService: &msg} }
func NotReady(msg string) Info       { return Info{ServiceNotReady: &msg} }
