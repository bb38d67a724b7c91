package upstream

// Reason says why a fetch came back absent.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTransport   Reason = "transport"
	ReasonStatus      Reason = "status"
	ReasonDecode      Reason = "decode"
	ReasonBreakerOpen Reason = "breaker_open"
)

// Result is either Found with a value or Absent with a reason. Callers treat
// Absent as "try the next strategy", never as fatal.
type Result[T any] struct {
	value  T
	found  bool
	reason Reason
	status int
}

func Found[T any](v T) Result[T] {
	return Result[T]{value: v, found: true}
}

func Absent[T any](reason Reason) Result[T] {
	return Result[T]{reason: reason}
}

func (r Result[T]) Get() (T, bool) { return r.value, r.found }

func (r Result[T]) Reason() Reason { return r.reason }

// Status is the HTTP status when the upstream answered, 0 otherwise.
func (r Result[T]) Status() int { return r.status }
