// Package frame defines the wire-level message shapes carried over a single
// duplex connection between a client process and the isolate daemon.
//
// Every frame crosses the wire length-prefixed (see internal/wire); this
// package only describes the tagged body that follows the length prefix.
// Frames belonging to the same request-id or stream-id are guaranteed to
// arrive in order; frames belonging to different ids may interleave freely.
package frame

// Kind tags the body that follows a frame's length prefix.
type Kind byte

const (
	// KindRequest carries a client-initiated call into a connection-scoped
	// verb or a specific isolate.
	KindRequest Kind = iota + 1
	// KindResponse carries the result (or error) for a prior KindRequest.
	KindResponse
	// KindCallbackInvoke carries a host-initiated call into a guest function
	// previously registered in an isolate's callback table.
	KindCallbackInvoke
	// KindCallbackResult carries the guest's reply to a KindCallbackInvoke.
	KindCallbackResult
	// KindStreamOpen announces a new upload or download stream session.
	KindStreamOpen
	// KindStreamChunk carries exactly one producer-emitted chunk. The codec
	// never coalesces two guest-emitted chunks into a single frame.
	KindStreamChunk
	// KindStreamCredit grants additional send budget to a stream producer.
	KindStreamCredit
	// KindStreamEnd terminates a stream, normally or with an error.
	KindStreamEnd
	// KindWSMessage carries an inbound or outbound WebSocket message.
	KindWSMessage
	// KindWSClose carries a WebSocket close event in either direction.
	KindWSClose
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindCallbackInvoke:
		return "Callback-invoke"
	case KindCallbackResult:
		return "Callback-result"
	case KindStreamOpen:
		return "Stream-open"
	case KindStreamChunk:
		return "Stream-chunk"
	case KindStreamCredit:
		return "Stream-credit"
	case KindStreamEnd:
		return "Stream-end"
	case KindWSMessage:
		return "Ws-message"
	case KindWSClose:
		return "Ws-close"
	default:
		return "Unknown"
	}
}

// StreamDirection distinguishes an upload (guest -> host body) from a
// download (host -> guest body) stream session.
type StreamDirection byte

const (
	DirectionUpload StreamDirection = iota
	DirectionDownload
)

// StreamEndStatus tags how a Stream-end frame terminates its session.
type StreamEndStatus byte

const (
	StreamEndNormal StreamEndStatus = iota
	StreamEndError
)

// Value is the marshalled-value envelope carried inside Request,
// Response, Callback-invoke and Callback-result bodies. internal/connserver
// encodes and decodes it as JSON with encoding/json; frame itself only
// moves the already-encoded bytes.
type Value = []byte

// Request is the body of a KindRequest frame.
type Request struct {
	RequestID uint64
	// Target is either an isolate id (an isolate-scoped verb such as
	// "eval") or the empty string (a connection-scoped verb such as
	// "createRuntime" or "close").
	Target string
	Verb   string
	Args   []Value
}

// Response is the body of a KindResponse frame.
type Response struct {
	RequestID uint64
	Result    Value
	Err       *ErrorPayload
}

// ErrorPayload is the serialised form of a host- or guest-raised error that
// crosses the membrane. Name carries the bracketed-prefix kind described in
// spec.md §4.2 (e.g. "TypeError", "QuotaExceededError").
type ErrorPayload struct {
	Name    string
	Message string
}

// CallbackInvoke is the body of a KindCallbackInvoke frame.
type CallbackInvoke struct {
	InvocationID uint64
	CallbackID   uint64
	Args         []Value
}

// CallbackResult is the body of a KindCallbackResult frame.
type CallbackResult struct {
	InvocationID uint64
	Result       Value
	Err          *ErrorPayload
}

// StreamOpen is the body of a KindStreamOpen frame.
type StreamOpen struct {
	StreamID      uint64
	Direction     StreamDirection
	InitialCredit uint64
	ContentType   string
}

// StreamChunk is the body of a KindStreamChunk frame. Bytes holds exactly
// one producer-emitted chunk; the codec and the stream engine never merge
// adjacent chunks, which is what keeps SSE-style pacing observable end to
// end (spec.md §4.4, §8 property 4).
type StreamChunk struct {
	StreamID uint64
	Bytes    []byte
}

// StreamCredit is the body of a KindStreamCredit frame.
type StreamCredit struct {
	StreamID     uint64
	GrantedBytes uint64
}

// StreamEnd is the body of a KindStreamEnd frame.
type StreamEnd struct {
	StreamID uint64
	Status   StreamEndStatus
	Err      *ErrorPayload
}

// WSMessage is the body of a KindWSMessage frame.
type WSMessage struct {
	ConnectionID uint64
	Text         bool
	Bytes        []byte
}

// WSClose is the body of a KindWSClose frame.
type WSClose struct {
	ConnectionID uint64
	Code         uint16
	Reason       string
}
