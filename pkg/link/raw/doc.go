// Package raw implements the command/response protocol spoken with the
// Wireless Adapter.
//
// Every exchange is one command: a header word carrying the 0x9966 magic,
// the parameter count and the command type, followed by the parameters,
// a response request answered by a header echoing the type (+0x80) with
// the response count, and the responses. Each word on the bus is followed
// by a line-level acknowledge bit-banged on SO/SI.
//
// Any protocol failure leaves the driver in NeedsReset: recovery is always
// a full Activate.
package raw
