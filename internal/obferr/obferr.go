// Package obferr defines the typed error kinds the obfuscation pipeline can
// fail with. Each kind knows whether it is recoverable at the function level
// (DecodeFailed only) or must abort the whole run.
package obferr

import "fmt"

// Kind classifies a pipeline failure per spec section 7.
type Kind int

const (
	KindInputNotFound Kind = iota
	KindInputEmpty
	KindUnsupportedImage
	KindSymbolParseFailed
	KindNoFunctionsAfterFilter
	KindDecodeFailed
	KindEncodeFailed
	KindSectionAppendFailed
	KindPatchOutOfBounds
)

func (k Kind) String() string {
	switch k {
	case KindInputNotFound:
		return "InputNotFound"
	case KindInputEmpty:
		return "InputEmpty"
	case KindUnsupportedImage:
		return "UnsupportedImage"
	case KindSymbolParseFailed:
		return "SymbolParseFailed"
	case KindNoFunctionsAfterFilter:
		return "NoFunctionsAfterFilter"
	case KindDecodeFailed:
		return "DecodeFailed"
	case KindEncodeFailed:
		return "EncodeFailed"
	case KindSectionAppendFailed:
		return "SectionAppendFailed"
	case KindPatchOutOfBounds:
		return "PatchOutOfBounds"
	default:
		return "Unknown"
	}
}

// Fatal reports whether this kind must abort the whole pipeline. Only
// DecodeFailed is recovered locally (the offending function is dropped).
func (k Kind) Fatal() bool {
	return k != KindDecodeFailed
}

// Error is a typed pipeline error. Function and Path are optional context,
// populated when the failure is scoped to one function or one file.
type Error struct {
	Kind     Kind
	Function string
	Path     string
	Detail   string
	Wrapped  error
}

func (e *Error) Error() string {
	switch {
	case e.Function != "" && e.Path != "":
		return fmt.Sprintf("%s: %s (function %s, path %s): %s", e.Kind, e.Detail, e.Function, e.Path, e.errSuffix())
	case e.Function != "":
		return fmt.Sprintf("%s: function %s: %s%s", e.Kind, e.Function, e.Detail, e.errSuffix())
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s%s", e.Kind, e.Path, e.Detail, e.errSuffix())
	default:
		return fmt.Sprintf("%s: %s%s", e.Kind, e.Detail, e.errSuffix())
	}
}

func (e *Error) errSuffix() string {
	if e.Wrapped == nil {
		return ""
	}
	return ": " + e.Wrapped.Error()
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Wrapped: err}
}

func (e *Error) WithFunction(name string) *Error {
	e.Function = name
	return e
}

func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Convenience constructors, one per kind, matching spec section 7 names.

func InputNotFound(path string, err error) *Error {
	return Wrap(KindInputNotFound, "input file not found", err).WithPath(path)
}

func InputEmpty(path string) *Error {
	return New(KindInputEmpty, "input file is empty").WithPath(path)
}

func UnsupportedImage(detail string) *Error {
	return New(KindUnsupportedImage, detail)
}

func SymbolParseFailed(path string, err error) *Error {
	return Wrap(KindSymbolParseFailed, "failed to parse debug-symbol file", err).WithPath(path)
}

func NoFunctionsAfterFilter() *Error {
	return New(KindNoFunctionsAfterFilter, "no functions remained after catalog filtering")
}

func DecodeFailed(function string, err error) *Error {
	return Wrap(KindDecodeFailed, "invalid or undefined opcode encountered", err).WithFunction(function)
}

func EncodeFailed(function string, detail string, err error) *Error {
	return Wrap(KindEncodeFailed, detail, err).WithFunction(function)
}

func SectionAppendFailed(detail string, err error) *Error {
	return Wrap(KindSectionAppendFailed, detail, err)
}

func PatchOutOfBounds(detail string) *Error {
	return New(KindPatchOutOfBounds, detail)
}
