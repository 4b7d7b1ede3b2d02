// Package icap implements a client for the Internet Content Adaptation
// Protocol (RFC 3507) as used by anti-virus scanning services such as
// c-icap/ClamAV, Kaspersky ScanEngine and Sophos SAVDI.
//
// The package covers the two methods an AV client needs: OPTIONS, which
// discovers server capabilities (preview size, 204 support, ISTag), and
// RESPMOD, which submits an encapsulated HTTP response body for inspection.
// Preview negotiation is handled transparently: when the server advertises a
// preview size, only a prefix of the document is transmitted and the rest is
// sent solely if the server answers 100 Continue.
package icap

// Version is the protocol version spoken by this client.
const Version = "ICAP/1.0"

// DefaultPort is the IANA-assigned ICAP port.
const DefaultPort = 1344

// ICAP methods used by this client.
const (
	MethodOptions = "OPTIONS"
	MethodRespMod = "RESPMOD"
)

// ICAP status codes of interest. The set mirrors RFC 3507 section 4.3.
const (
	StatusContinue           = 100 // send the remainder of the preview body
	StatusOK                 = 200 // modifications or verdict in encapsulated response
	StatusNoContent          = 204 // no modifications needed; content is clean
	StatusBadRequest         = 400
	StatusNotFound           = 404
	StatusMethodNotAllowed   = 405
	StatusRequestTimeout     = 408
	StatusServerError        = 500
	StatusMethodNotSupported = 501
	StatusOverloaded         = 503
	StatusVersionNotSupported = 505
)

// Well-known ICAP header names. Header lookup is case-insensitive; these
// spellings are used on the wire.
const (
	HeaderHost             = "Host"
	HeaderUserAgent        = "User-Agent"
	HeaderAllow            = "Allow"
	HeaderPreview          = "Preview"
	HeaderEncapsulated     = "Encapsulated"
	HeaderISTag            = "ISTag"
	HeaderMethods          = "Methods"
	HeaderService          = "Service"
	HeaderMaxConnections   = "Max-Connections"
	HeaderOptionsTTL       = "Options-TTL"
	HeaderTransferPreview  = "Transfer-Preview"
	HeaderTransferComplete = "Transfer-Complete"

	// Infection reporting headers emitted by common AV implementations.
	HeaderInfectionFound  = "X-Infection-Found"
	HeaderViolationsFound = "X-Violations-Found"
	HeaderVirusID         = "X-Virus-ID"
)

const (
	userAgent = "Icaro-ICAP-Client/1.0"
	crlf      = "\r\n"
)

// StatusText returns a reason phrase for an ICAP status code.
func StatusText(code int) string {
	switch code {
	case StatusContinue:
		return "Continue"
	case StatusOK:
		return "OK"
	case StatusNoContent:
		return "No Content"
	case StatusBadRequest:
		return "Bad Request"
	case StatusNotFound:
		return "ICAP Service Not Found"
	case StatusMethodNotAllowed:
		return "Method Not Allowed"
	case StatusRequestTimeout:
		return "Request Timeout"
	case StatusServerError:
		return "Server Error"
	case StatusMethodNotSupported:
		return "Method Not Implemented"
	case StatusOverloaded:
		return "Service Overloaded"
	case StatusVersionNotSupported:
		return "ICAP Version Not Supported"
	default:
		return "Unknown"
	}
}
