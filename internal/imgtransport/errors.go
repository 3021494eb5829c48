package imgtransport

import "errors"

var (
	errMissingIDHeaders     = errors.New("missing Storage-Pool-Id, Storage-Domain-Id, or Image-Id header")
	errMissingContentLength = errors.New("missing Content-Length header")
	errInvalidRange         = errors.New("Range header must be of the form bytes=0-<N>")
)

func errInvalidID(header string) error {
	return errors.New("invalid " + header + " header: not a UUID")
}
