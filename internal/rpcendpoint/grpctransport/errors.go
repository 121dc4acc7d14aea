package grpctransport

import (
	stdErrors "errors"

	rerrors "github.com/alxayo/mmtransport/internal/errors"
)

// errorParts reduces err to the (kind, message) pair carried on the wire.
// An error that isn't a *rerrors.TransportError is reported as
// RemoteInvalid: the peer raised something the carrier's taxonomy has no
// better name for.
func errorParts(err error) (kind, message string) {
	if err == nil {
		return "", ""
	}
	var te *rerrors.TransportError
	if stdErrors.As(err, &te) {
		return te.Kind.String(), err.Error()
	}
	return rerrors.KindRemoteInvalid.String(), err.Error()
}

// decodeErrorParts reconstructs a *rerrors.TransportError from a wire
// (kind, message) pair. kind == "" means no error occurred.
func decodeErrorParts(op, kind, message string) error {
	if kind == "" {
		return nil
	}
	return rerrors.New(kindFromString(kind), op, stdErrors.New(message))
}

func kindFromString(s string) rerrors.Kind {
	switch s {
	case "TransportUnavailable":
		return rerrors.KindTransportUnavailable
	case "CookieTimeout":
		return rerrors.KindCookieTimeout
	case "CookieUnknown":
		return rerrors.KindCookieUnknown
	case "TransportBroken":
		return rerrors.KindTransportBroken
	case "RemoteBusy":
		return rerrors.KindRemoteBusy
	case "RemoteNotFound":
		return rerrors.KindRemoteNotFound
	case "InvalidOperation":
		return rerrors.KindInvalidOperation
	case "FatalIrrecoverable":
		return rerrors.KindFatalIrrecoverable
	default:
		return rerrors.KindRemoteInvalid
	}
}
