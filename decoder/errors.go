package decoder

import "fmt"

// ErrorKind classifies why a message body could not be decoded.
type ErrorKind int

const (
	// BinaryMalformed means the msgpack body was truncated or had the wrong shape.
	BinaryMalformed ErrorKind = iota + 1
	// TextMalformed means the JSON fallback could not be parsed.
	TextMalformed
	// Undecodable means the JSON fallback body is not valid UTF-8.
	Undecodable
)

func (k ErrorKind) String() string {
	switch k {
	case BinaryMalformed:
		return "binary malformed"
	case TextMalformed:
		return "text malformed"
	case Undecodable:
		return "undecodable"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// DecodeError is returned by Decode for every message that is dropped.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

// Sentinels for errors.Is matching on the kind only.
var (
	ErrBinaryMalformed = &DecodeError{Kind: BinaryMalformed}
	ErrTextMalformed   = &DecodeError{Kind: TextMalformed}
	ErrUndecodable     = &DecodeError{Kind: Undecodable}
)

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Kind.String()
	}
	return fmt.Sprintf("decode: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}
