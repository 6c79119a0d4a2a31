package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrNotObject is returned when a document is not a JSON object at all. This
// is the one defect lenient decoding cannot repair.
var ErrNotObject = errors.New("document is not a JSON object")

// Repair records one field-level correction made while decoding.
type Repair struct {
	Field  string `json:"field"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

func (r Repair) String() string {
	if r.Detail == "" {
		return r.Field + ": " + r.Action
	}
	return r.Field + ": " + r.Action + " (" + r.Detail + ")"
}

// DecodeLenient decodes the JSON object in data into the struct pointed to by
// v, field by field. It returns the keys v does not declare and the repairs
// made to fields whose values had the wrong shape.
func DecodeLenient(data []byte, v any) (map[string]json.RawMessage, []Repair, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil, nil, fmt.Errorf("decode target must be a struct pointer, got %T", v)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("null document")
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}

	target := rv.Elem()
	index := fieldIndex(target.Type())

	var extra map[string]json.RawMessage
	var repairs []Repair

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := fields[key]
		idx, known := index[key]
		if !known {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[key] = raw
			continue
		}
		repairs = append(repairs, decodeField(key, target.Field(idx), raw)...)
	}

	return extra, repairs, nil
}

// fieldIndex maps JSON names to struct field positions.
func fieldIndex(t reflect.Type) map[string]int {
	index := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		index[name] = i
	}
	return index
}

func decodeField(name string, field reflect.Value, raw json.RawMessage) []Repair {
	ptr := reflect.New(field.Type())
	if err := json.Unmarshal(raw, ptr.Interface()); err == nil {
		field.Set(ptr.Elem())
		return nil
	}

	if v, ok := coerce(field.Type(), raw); ok {
		field.Set(v)
		return []Repair{{Field: name, Action: "coerced", Detail: truncate(string(raw))}}
	}

	if field.Kind() == reflect.Slice {
		v, repairs := decodeSliceElements(name, field.Type(), raw)
		if v.IsValid() {
			field.Set(v)
			return repairs
		}
	}

	field.Set(reflect.Zero(field.Type()))
	return []Repair{{Field: name, Action: "dropped invalid value", Detail: truncate(string(raw))}}
}

// coerce handles the common near-misses: numbers written as strings, scalars
// where strings are expected, and a lone string where a list is expected.
func coerce(t reflect.Type, raw json.RawMessage) (reflect.Value, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return reflect.Value{}, false
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			trimmed = []byte(strings.TrimSpace(s))
		}
		if n, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
			v := reflect.New(t).Elem()
			v.SetInt(n)
			return v, true
		}
		if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil && f == float64(int64(f)) {
			v := reflect.New(t).Elem()
			v.SetInt(int64(f))
			return v, true
		}
	case reflect.String:
		if s, ok := scalarText(trimmed); ok {
			v := reflect.New(t).Elem()
			v.SetString(s)
			return v, true
		}
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.String {
			if s, ok := scalarText(trimmed); ok {
				v := reflect.New(t.Elem())
				v.Elem().SetString(s)
				return v, true
			}
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String && trimmed[0] == '"' {
			var s string
			if json.Unmarshal(trimmed, &s) == nil {
				v := reflect.MakeSlice(t, 0, 1)
				if strings.TrimSpace(s) != "" {
					elem := reflect.New(t.Elem()).Elem()
					elem.SetString(s)
					v = reflect.Append(v, elem)
				}
				return v, true
			}
		}
	}
	return reflect.Value{}, false
}

func scalarText(raw []byte) (string, bool) {
	switch raw[0] {
	case 't', 'f':
		return string(raw), string(raw) == "true" || string(raw) == "false"
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			return n.String(), true
		}
	}
	return "", false
}

// decodeSliceElements keeps every element of a JSON array that decodes and
// drops the rest, so one bad entry never costs the whole list.
func decodeSliceElements(name string, t reflect.Type, raw json.RawMessage) (reflect.Value, []Repair) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return reflect.Value{}, nil
	}

	out := reflect.MakeSlice(t, 0, len(elems))
	var repairs []Repair
	for i, elem := range elems {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(elem, ptr.Interface()); err == nil {
			out = reflect.Append(out, ptr.Elem())
			continue
		}
		if v, ok := coerce(t.Elem(), elem); ok {
			out = reflect.Append(out, v)
			repairs = append(repairs, Repair{Field: fmt.Sprintf("%s[%d]", name, i), Action: "coerced", Detail: truncate(string(elem))})
			continue
		}
		repairs = append(repairs, Repair{Field: fmt.Sprintf("%s[%d]", name, i), Action: "dropped invalid element", Detail: truncate(string(elem))})
	}
	return out, repairs
}

func truncate(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// MarshalObject encodes v as compact JSON without HTML escaping and appends
// the extra keys, sorted, after the declared fields.
func MarshalObject(v any, extra map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	obj := bytes.TrimRight(buf.Bytes(), "\n")
	if len(extra) == 0 {
		return obj, nil
	}
	if len(obj) < 2 || obj[0] != '{' || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("cannot merge extra keys into non-object %T", v)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out bytes.Buffer
	out.Write(obj[:len(obj)-1])
	needComma := len(bytes.TrimSpace(obj[1:len(obj)-1])) > 0
	for _, k := range keys {
		if needComma {
			out.WriteByte(',')
		}
		needComma = true
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		out.Write(name)
		out.WriteByte(':')
		var compact bytes.Buffer
		if err := json.Compact(&compact, extra[k]); err != nil {
			return nil, fmt.Errorf("extra key %q: %w", k, err)
		}
		out.Write(compact.Bytes())
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

// Marshal renders a document in its canonical on-disk form: two-space
// indentation, no HTML escaping, trailing newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
