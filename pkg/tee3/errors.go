package tee3

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how a caller may react to it.
type Kind int

const (
	// KindStructural covers malformed CBOR, wrong field types and wrong sizes.
	KindStructural Kind = iota + 1
	// KindCryptographic covers AEAD, signature and transcript failures. Never retry with the same keys.
	KindCryptographic
	// KindTrust covers certificate chain, role, OCSP and expiry failures. A fresh handshake may succeed.
	KindTrust
	// KindRestart signals the peer asked for a new handshake.
	KindRestart
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindCryptographic:
		return "cryptographic"
	case KindTrust:
		return "trust"
	case KindRestart:
		return "restart"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Code is the error code carried in Error messages on the wire.
type Code uint64

const (
	CodeDecodingError Code = iota + 1
	CodeFailedPublicKeyVerification
	CodeGcmDecryptionFailure
	CodeInternalServerError
	CodeMissingParameters
	CodeNotARequest
	CodePuNonPuFailure
	CodeTranscriptError
	CodeUnknownKeyID
)

var codeNames = map[Code]string{
	CodeDecodingError:               "DecodingError",
	CodeFailedPublicKeyVerification: "FailedPublicKeyVerification",
	CodeGcmDecryptionFailure:        "GcmDecryptionFailure",
	CodeInternalServerError:         "InternalServerError",
	CodeMissingParameters:           "MissingParameters",
	CodeNotARequest:                 "NotARequest",
	CodePuNonPuFailure:              "PuNonPuFailure",
	CodeTranscriptError:             "TranscriptError",
	CodeUnknownKeyID:                "UnknownKeyID",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", uint64(c))
}

// Error is returned by every failed handshake or transport step.
// Description names the field or step that failed and never contains key material.
type Error struct {
	Kind        Kind
	Code        Code
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tee3 %s error", e.Kind)
	if e.Code != 0 {
		msg += " " + e.Code.String()
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code, so sentinels like ErrRestart work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code) && t.Description == ""
}

var (
	// ErrRestart matches any error of KindRestart.
	ErrRestart = &Error{Kind: KindRestart}
	// ErrInvalidState is returned when a handshake operation is called out of order.
	ErrInvalidState = errors.New("tee3: invalid handshake state")
	// ErrContextInUse is returned when a context is cloned after traffic started.
	ErrContextInUse = errors.New("tee3: context counters already in use")
	// ErrSessionContextUsed is returned on the second use of a session context.
	ErrSessionContextUsed = errors.New("tee3: session context already used")
)

// IsKind reports whether err is a tee3 Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// CodeOf returns the Code of err, or CodeInternalServerError for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return CodeInternalServerError
}

func structuralError(code Code, description string, err error) error {
	return &Error{Kind: KindStructural, Code: code, Description: description, Err: err}
}

func cryptoError(code Code, description string, err error) error {
	return &Error{Kind: KindCryptographic, Code: code, Description: description, Err: err}
}

func trustError(description string, err error) error {
	return &Error{Kind: KindTrust, Code: CodeFailedPublicKeyVerification, Description: description, Err: err}
}
