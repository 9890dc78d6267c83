package message

import "fmt"

// Version is the only protocol version this codec speaks.
const Version = 1

// Type is the 2-bit message type.
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted.
	Confirmable Type = 0

	// NonConfirmable messages are sent once.
	NonConfirmable Type = 1

	// Acknowledgement confirms receipt of a confirmable message.
	Acknowledgement Type = 2

	// Reset rejects a message the receiver cannot process.
	Reset Type = 3
)

// String returns the short type name.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Code is the 8-bit message code: 0 is empty, 1-31 are request methods and
// 64-255 are response codes (class*32 + detail).
type Code uint8

// Empty code.
const Empty Code = 0

// Request methods.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes.
const (
	Created  Code = 2<<5 | 1
	Deleted  Code = 2<<5 | 2
	Valid    Code = 2<<5 | 3
	Changed  Code = 2<<5 | 4
	Content  Code = 2<<5 | 5
	Continue Code = 2<<5 | 31

	BadRequest               Code = 4<<5 | 0
	Unauthorized             Code = 4<<5 | 1
	BadOption                Code = 4<<5 | 2
	Forbidden                Code = 4<<5 | 3
	NotFound                 Code = 4<<5 | 4
	MethodNotAllowed         Code = 4<<5 | 5
	NotAcceptable            Code = 4<<5 | 6
	RequestEntityIncomplete  Code = 4<<5 | 8
	PreconditionFailed       Code = 4<<5 | 12
	RequestEntityTooLarge    Code = 4<<5 | 13
	UnsupportedContentFormat Code = 4<<5 | 15

	InternalServerError  Code = 5<<5 | 0
	NotImplemented       Code = 5<<5 | 1
	BadGateway           Code = 5<<5 | 2
	ServiceUnavailable   Code = 5<<5 | 3
	GatewayTimeout       Code = 5<<5 | 4
	ProxyingNotSupported Code = 5<<5 | 5
)

var codeNames = map[Code]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	FETCH:                    "FETCH",
	PATCH:                    "PATCH",
	IPATCH:                   "iPATCH",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	Continue:                 "Continue",
	BadRequest:               "Bad Request",
	Unauthorized:             "Unauthorized",
	BadOption:                "Bad Option",
	Forbidden:                "Forbidden",
	NotFound:                 "Not Found",
	MethodNotAllowed:         "Method Not Allowed",
	NotAcceptable:            "Not Acceptable",
	RequestEntityIncomplete:  "Request Entity Incomplete",
	PreconditionFailed:       "Precondition Failed",
	RequestEntityTooLarge:    "Request Entity Too Large",
	UnsupportedContentFormat: "Unsupported Content-Format",
	InternalServerError:      "Internal Server Error",
	NotImplemented:           "Not Implemented",
	BadGateway:               "Bad Gateway",
	ServiceUnavailable:       "Service Unavailable",
	GatewayTimeout:           "Gateway Timeout",
	ProxyingNotSupported:     "Proxying Not Supported",
}

// Class returns the code class (the upper 3 bits).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the code detail (the lower 5 bits).
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// IsEmpty reports whether c is the empty code.
func (c Code) IsEmpty() bool { return c == Empty }

// IsRequest reports whether c is a request method.
func (c Code) IsRequest() bool { return c >= 1 && c <= 31 }

// IsResponse reports whether c is a response code.
func (c Code) IsResponse() bool { return c >= 64 }

// IsReserved reports whether c is in a reserved class (1, 6 or 7).
func (c Code) IsReserved() bool {
	switch c.Class() {
	case 1, 6, 7:
		return true
	}
	return false
}

// IsSuccess reports whether c is a 2.xx response.
func (c Code) IsSuccess() bool { return c.Class() == 2 }

// String renders requests by method name and responses as "c.dd Name".
func (c Code) String() string {
	name, known := codeNames[c]
	if c.IsRequest() || c.IsEmpty() {
		if known {
			return name
		}
		return fmt.Sprintf("METHOD(%d)", uint8(c))
	}
	if known {
		return fmt.Sprintf("%d.%02d %s", c.Class(), c.Detail(), name)
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}
