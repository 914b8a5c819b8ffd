package formats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
)

// jsonArray is one numeric array of the document, decoded value by value.
// Unparseable entries are stored as NaN and their indexes recorded in bad.
type jsonArray struct {
	vals    []float32
	bad     []int
	present bool
}

// JSONReader reads {positions, colors?, intensity?, classification?, metadata?}.
//
// The document is walked token by token so only the float32 output arrays
// are held; a single bad value drops one point rather than the whole payload.
type JSONReader struct{}

func (JSONReader) Format() pointcloud.Format { return pointcloud.FormatJSON }

func (JSONReader) Read(ctx context.Context, r io.Reader, size int64, opts ReadOptions) (*pointcloud.RawAttributes, error) {
	const f = pointcloud.FormatJSON
	s := newStream(ctx, r, size, opts)
	if isEmpty, err := s.isEmpty(); err != nil {
		return nil, ioFailure(f, "document", err)
	} else if isEmpty {
		return nil, empty(f)
	}

	dec := json.NewDecoder(s)
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var positions, colors, intensity, class jsonArray
	attrs := &pointcloud.RawAttributes{DeclaredCount: -1}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, jsonFailure(err)
		}
		key, _ := tok.(string)
		switch key {
		case "positions":
			err = readJSONArray(dec, key, &positions)
		case "colors":
			err = readJSONArray(dec, key, &colors)
		case "intensity":
			err = readJSONArray(dec, key, &intensity)
		case "classification":
			err = readJSONArray(dec, key, &class)
		case "metadata":
			var raw json.RawMessage
			if err = dec.Decode(&raw); err == nil {
				err = json.Unmarshal(raw, &attrs.Metadata)
			}
		case "count":
			var n *int
			if err = dec.Decode(&n); err == nil && n != nil {
				attrs.DeclaredCount = *n
			}
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return nil, jsonFailure(err)
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if !positions.present {
		return nil, malformed(f, "document has no positions array")
	}

	declared := len(positions.vals) / 3
	if rem := len(positions.vals) % 3; rem != 0 {
		attrs.Warn(pointcloud.WarnSkippedRecords, "dropped trailing partial position triple of %d values", rem)
	}
	hasColors := optionalArray(attrs, "colors", &colors, 3*declared)
	hasIntensity := optionalArray(attrs, "intensity", &intensity, declared)
	hasClass := optionalArray(attrs, "classification", &class, declared)

	// Compact in place: points with an unparseable coordinate are dropped
	// together with their attributes.
	pos := positions.vals[:3*declared]
	out, next := 0, 0
	for i := 0; i < declared; i++ {
		if next < len(positions.bad) && positions.bad[next]/3 == i {
			for next < len(positions.bad) && positions.bad[next]/3 == i {
				next++
			}
			attrs.SkippedRecords++
			continue
		}
		copy(pos[3*out:3*out+3], pos[3*i:3*i+3])
		if hasColors {
			copy(colors.vals[3*out:3*out+3], colors.vals[3*i:3*i+3])
		}
		if hasIntensity {
			intensity.vals[out] = intensity.vals[i]
		}
		if hasClass {
			class.vals[out] = class.vals[i]
		}
		out++
	}
	if out == 0 {
		return nil, malformed(f, "no valid positions")
	}
	attrs.Positions = pos[:3*out]
	if hasColors {
		attrs.Colors = colors.vals[:3*out]
	}
	if hasIntensity {
		attrs.Intensity = intensity.vals[:out]
	}
	if hasClass {
		attrs.Classification = make([]uint16, out)
		for i, v := range class.vals[:out] {
			attrs.Classification[i] = uint16(v)
		}
	}
	normalizeUnit(attrs.Colors)
	normalizeUnit(attrs.Intensity)
	warnCount(attrs)
	return attrs, nil
}

// optionalArray reports whether a per-point array can be used. A length
// mismatch drops the array with a warning.
func optionalArray(attrs *pointcloud.RawAttributes, name string, a *jsonArray, want int) bool {
	if !a.present {
		return false
	}
	if len(a.vals) != want {
		attrs.Warn(pointcloud.WarnDroppedAttribute, "%s has %d values, want %d", name, len(a.vals), want)
		a.vals = nil
		return false
	}
	return true
}

// readJSONArray decodes a flat numeric array one element at a time. null
// leaves the array absent.
func readJSONArray(dec *json.Decoder, name string, a *jsonArray) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return malformed(pointcloud.FormatJSON, "%s is not an array", name)
	}
	a.present = true
	if a.vals == nil {
		a.vals = make([]float32, 0, 1024)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		v, ok := jsonNumber(tok)
		if _, nested := tok.(json.Delim); nested {
			if err := skipJSONValue(dec); err != nil {
				return err
			}
		}
		if !ok {
			a.bad = append(a.bad, len(a.vals))
			v = math.NaN()
		}
		a.vals = append(a.vals, float32(v))
	}
	_, err = dec.Token()
	return err
}

// skipJSONValue consumes the rest of an object or array whose opening
// delimiter has already been read.
func skipJSONValue(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '[', '{':
				depth++
			default:
				depth--
			}
		}
	}
	return nil
}

// jsonNumber accepts numbers and numeric strings ("NaN" included).
func jsonNumber(tok json.Token) (float64, bool) {
	var s string
	switch v := tok.(type) {
	case json.Number:
		s = string(v)
	case string:
		s = v
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return jsonFailure(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return malformed(pointcloud.FormatJSON, "expected %q, found %v", want, tok)
	}
	return nil
}

// jsonFailure classifies a decoder error the way ioFailure does, treating
// syntax and type errors as malformed input.
func jsonFailure(err error) error {
	var fe *FormatError
	if errors.As(err, &fe) {
		return err
	}
	if cause, ok := abortCause(err); ok {
		return cause
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || isTruncation(err) {
		return &FormatError{Format: pointcloud.FormatJSON, Kind: KindMalformed, Msg: "decode", Err: err}
	}
	return ioFailure(pointcloud.FormatJSON, "document", err)
}
