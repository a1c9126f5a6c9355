package feed

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ponsauto/pons/engine/domain"
)

// Format is a feed payload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

// Formats lists the supported formats.
var Formats = []Format{FormatCSV, FormatXML, FormatJSON}

// ErrUnknownFormat is returned for a format with no parser.
var ErrUnknownFormat = errors.New("unknown feed format")

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("feed: %q: %w", s, ErrUnknownFormat)
}

// Parser turns a feed payload into raw records. Malformed input never aborts
// a parse: Parse returns every record it could recover together with an
// error describing what was skipped, or nil when the payload was clean.
type Parser interface {
	Parse(source string, content []byte) ([]domain.RawVehicleRecord, error)
}

// ParserFor returns the parser for f.
func ParserFor(f Format) (Parser, error) {
	switch f {
	case FormatCSV:
		return CSVParser{}, nil
	case FormatXML:
		return XMLParser{}, nil
	case FormatJSON:
		return JSONParser{}, nil
	}
	return nil, fmt.Errorf("feed: %q: %w", f, ErrUnknownFormat)
}

var utf8BOM = []byte("\xef\xbb\xbf")

func newRecord(source string, fields map[string]any, at time.Time) domain.RawVehicleRecord {
	return domain.RawVehicleRecord{Source: source, Fields: fields, IngestedAt: at}
}

// CSVParser reads delimited text with a header row.
type CSVParser struct{}

func (CSVParser) Parse(source string, content []byte) ([]domain.RawVehicleRecord, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(content, utf8BOM)))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return []domain.RawVehicleRecord{}, nil
	}
	if err != nil {
		return []domain.RawVehicleRecord{}, fmt.Errorf("csv header: %w", err)
	}
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = domain.CanonicalKey(h)
	}

	now := time.Now().UTC()
	out := []domain.RawVehicleRecord{}
	var errs []error
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, err)
			break
		}
		fields := make(map[string]any, len(row))
		for i, cell := range row {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			if cell = strings.TrimSpace(cell); cell != "" {
				if _, dup := fields[keys[i]]; !dup {
					fields[keys[i]] = cell
				}
			}
		}
		if len(fields) > 0 {
			out = append(out, newRecord(source, fields, now))
		}
	}
	return out, errors.Join(errs...)
}

// XMLParser collects every element named "vehicle" (any case) at any depth.
// Each child element becomes a lower-cased field; a child with element
// children of its own becomes a list of their text.
type XMLParser struct{}

func (XMLParser) Parse(source string, content []byte) ([]domain.RawVehicleRecord, error) {
	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(content, utf8BOM)))
	dec.CharsetReader = charsetReader
	dec.Strict = false

	now := time.Now().UTC()
	out := []domain.RawVehicleRecord{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, "vehicle") {
			continue
		}
		fields, err := readVehicle(dec)
		if len(fields) > 0 {
			out = append(out, newRecord(source, domain.CanonicalFields(fields), now))
		}
		if err != nil {
			return out, fmt.Errorf("xml: %w", err)
		}
	}
}

// readVehicle consumes tokens up to the end of the current vehicle element.
func readVehicle(dec *xml.Decoder) (map[string]any, error) {
	fields := map[string]any{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return fields, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := readValue(dec)
			key := strings.ToLower(t.Name.Local)
			if _, dup := fields[key]; !dup {
				fields[key] = v
			}
			if err != nil {
				return fields, err
			}
		case xml.EndElement:
			return fields, nil
		}
	}
}

// readValue returns the element's text, or the texts of its child elements
// when it has any.
func readValue(dec *xml.Decoder) (any, error) {
	var text strings.Builder
	var items []any
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return strings.TrimSpace(text.String()), err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			depth++
			if depth == 1 {
				text.Reset()
			}
		case xml.EndElement:
			if depth == 0 {
				if items != nil {
					return items, nil
				}
				return strings.TrimSpace(text.String()), nil
			}
			depth--
			if depth == 0 {
				if s := strings.TrimSpace(text.String()); s != "" {
					items = append(items, s)
				}
				text.Reset()
			}
		}
	}
}

// wrapperKeys are the object keys checked, in order, for a wrapped array.
var wrapperKeys = []string{"vehicles", "data", "items", "results", "inventory", "listings"}

// JSONParser accepts a bare array, an object wrapping the array under one of
// wrapperKeys, or a single vehicle object.
type JSONParser struct{}

func (JSONParser) Parse(source string, content []byte) ([]domain.RawVehicleRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(content, utf8BOM)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []domain.RawVehicleRecord{}, fmt.Errorf("json: %w", err)
	}

	var items []any
	switch t := doc.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
		for _, k := range wrapperKeys {
			if list, ok := t[k].([]any); ok {
				items = list
				break
			}
		}
	default:
		return []domain.RawVehicleRecord{}, fmt.Errorf("json: unexpected top-level %T", doc)
	}

	now := time.Now().UTC()
	out := make([]domain.RawVehicleRecord, 0, len(items))
	var errs []error
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("json: item %d is %T, not an object", i, item))
			continue
		}
		out = append(out, newRecord(source, domain.CanonicalFields(obj), now))
	}
	return out, errors.Join(errs...)
}
