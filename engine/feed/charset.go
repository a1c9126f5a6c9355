package feed

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Single-byte encodings dealer management systems commonly export.
var charmaps = map[string]encoding.Encoding{
	"windows-1252": charmap.Windows1252,
	"cp1252":       charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-15":  charmap.ISO8859_15,
	"windows-1251": charmap.Windows1251,
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return nil, nil
	}
	if enc, ok := charmaps[label]; ok {
		return enc, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("feed: unsupported encoding %q: %w", label, ErrInvalidSource)
	}
	return enc, nil
}

// ValidEncoding reports whether label names a supported character encoding.
func ValidEncoding(label string) bool {
	_, err := lookupEncoding(label)
	return err == nil
}

// DecodeBytes converts b from the named encoding to UTF-8. An empty label or
// UTF-8 returns b unchanged, as does a payload carrying a UTF-8 byte order
// mark whatever the label says.
func DecodeBytes(label string, b []byte) ([]byte, error) {
	enc, err := lookupEncoding(label)
	if err != nil || enc == nil || hasBOM(b) {
		return b, err
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), b)
	if err != nil {
		return b, fmt.Errorf("feed: decode %s: %w", label, err)
	}
	return out, nil
}

// Decode converts a feed payload of format f to UTF-8. An XML payload whose
// prolog declares an encoding is left as is: encoding/xml decodes it from the
// declaration, and converting it here as well would decode it twice. The
// label still has to name a supported encoding.
func Decode(f Format, label string, b []byte) ([]byte, error) {
	if f == FormatXML && declaresEncoding(b) {
		_, err := lookupEncoding(label)
		return b, err
	}
	return DecodeBytes(label, b)
}

// declaresEncoding reports whether b opens with an XML declaration carrying
// an encoding attribute. The declaration is ASCII in every supported charset.
func declaresEncoding(b []byte) bool {
	b = bytes.TrimLeft(bytes.TrimPrefix(b, utf8BOM), " \t\r\n")
	if !bytes.HasPrefix(b, []byte("<?xml")) {
		return false
	}
	end := bytes.Index(b, []byte("?>"))
	if end < 0 {
		return false
	}
	return bytes.Contains(b[:end], []byte("encoding"))
}

// charsetReader lets encoding/xml honour a declared non-UTF-8 encoding.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := lookupEncoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return input, nil
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func hasBOM(b []byte) bool { return bytes.HasPrefix(b, utf8BOM) }
