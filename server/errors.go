package server

// ReplyError is a protocol-level failure that maps to a single negative
// response line. The dispatch loop writes the response and keeps the
// connection open; any other error terminates the connection.
type ReplyError interface {
	error

	// ProtocolResponse returns the complete response line for the error,
	// e.g. "-ERR No such message" or "503 5.5.1 Bad sequence of commands".
	ProtocolResponse() string
}
