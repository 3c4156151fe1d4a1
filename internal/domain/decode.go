package domain

import (
	"fmt"
	"math"
	"strings"
)

// Decode turns the words of one register block into named field values.
//
// Each instruction is decoded independently: a failing field is reported as a PollError
// and the cursor still advances by its width, so later fields are unaffected. Fields past
// the end of words are reported individually.
func Decode(words []uint16, fields []DecodeInstruction) (map[string]interface{}, []PollError) {
	values := make(map[string]interface{}, len(fields))
	var errs []PollError

	cursor := 0
	for _, f := range fields {
		width := int(f.Width())
		if f.IsSkip() {
			cursor += width
			continue
		}
		if width == 0 {
			errs = append(errs, PollError{Source: f.Name, Cause: fmt.Errorf("%w: unknown type %q", ErrDecode, f.Type)})
			continue
		}
		if cursor+width > len(words) {
			errs = append(errs, PollError{
				Source: f.Name,
				Cause:  fmt.Errorf("%w: need words %d..%d, have %d", ErrInvalidDataLength, cursor, cursor+width-1, len(words)),
			})
			cursor += width
			continue
		}

		v, err := decodeField(words[cursor:cursor+width], f)
		cursor += width
		if err != nil {
			errs = append(errs, PollError{Source: f.Name, Cause: err})
			continue
		}
		values[f.Name] = v
	}

	return values, errs
}

// DecodeReadFailure is the result of a block whose read failed: no fields and one error.
func DecodeReadFailure(block string, err error) (map[string]interface{}, []PollError) {
	return map[string]interface{}{}, []PollError{{Source: block, Cause: err}}
}

func decodeField(words []uint16, f DecodeInstruction) (interface{}, error) {
	var raw int64
	switch f.Type {
	case TypeUint16:
		raw = int64(words[0])
	case TypeInt16:
		raw = int64(int16(words[0]))
	case TypeUint32:
		raw = int64(uint32(words[0])<<16 | uint32(words[1]))
	case TypeInt32:
		raw = int64(int32(uint32(words[0])<<16 | uint32(words[1])))
	case TypeString:
		return decodeString(words), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, f.Type)
	}

	if f.Enum != nil {
		label, ok := f.Enum[raw]
		if !ok {
			return nil, fmt.Errorf("%w: value %d has no enum label", ErrDecode, raw)
		}
		return label, nil
	}

	scale := f.ScaleFactor()
	if scale == 1 {
		return raw, nil
	}
	return round2(float64(raw) * scale), nil
}

// decodeString reads two ASCII characters per word, high byte first, and strips padding.
func decodeString(words []uint16) string {
	var b strings.Builder
	b.Grow(len(words) * 2)
	for _, w := range words {
		for _, c := range [2]byte{byte(w >> 8), byte(w)} {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
