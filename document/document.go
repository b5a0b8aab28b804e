// Package document models the records stored in glowdb tables.
//
// A Document is an ordered set of named fields with one reserved key, "id", that is
// always present and never changes once assigned. Each document also carries a Kind,
// a category label declared by the application (e.g. "user"), which is used as the
// prefix of generated identifiers.
//
// The wire form is a flat JSON object: "id" first, then the remaining fields in the
// order they were set or received. Fields set to Absent are left out; fields holding
// zero values (0, "", false, nil) are kept.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// IDField is the reserved identifier key.
const IDField = "id"

var (
	ErrReservedField = errors.New("document: id is reserved and cannot be changed")
	ErrNotObject     = errors.New("document: wire value is not a JSON object")
)

type absent struct{}

// Absent marks a field as not present. A field holding Absent is skipped on the wire,
// unlike a field holding nil, which is sent as null.
var Absent any = absent{}

// Document is a single record. The zero value is not usable; build one with New, Parse
// or FromStruct.
type Document struct {
	kind      string
	id        string
	numericID bool // id arrived as a JSON number and is written back as one
	keys      []string
	fields    map[string]any
}

// NewID generates an identifier for a document of the given kind.
func NewID(kind string) string {
	if kind == "" {
		return uuid.NewString()
	}
	return kind + "_" + uuid.NewString()
}

// New creates an empty document of the given kind with a freshly generated id.
func New(kind string) *Document {
	return &Document{
		kind:   kind,
		id:     NewID(kind),
		fields: make(map[string]any),
	}
}

// WithID creates an empty document with a caller-chosen id. An empty id is replaced by a
// generated one.
func WithID(kind, id string) *Document {
	d := New(kind)
	if id != "" {
		d.id = id
	}
	return d
}

func (d *Document) ID() string {
	return d.id
}

func (d *Document) Kind() string {
	return d.kind
}

// Set assigns a field. Setting Absent is equivalent to Unset. Assigning "id" fails with
// ErrReservedField unless the value equals the current id.
func (d *Document) Set(name string, value any) error {
	if name == IDField {
		if s, ok := value.(string); ok && s == d.id {
			return nil
		}
		return ErrReservedField
	}
	if value == Absent {
		d.Unset(name)
		return nil
	}
	if _, ok := d.fields[name]; !ok {
		d.keys = append(d.keys, name)
	}
	d.fields[name] = value
	return nil
}

// Unset removes a field. Unsetting "id" is a no-op.
func (d *Document) Unset(name string) {
	if _, ok := d.fields[name]; !ok {
		return
	}
	delete(d.fields, name)
	d.keys = slices.DeleteFunc(d.keys, func(k string) bool { return k == name })
}

// Get returns a field value. "id" is always present.
func (d *Document) Get(name string) (any, bool) {
	if name == IDField {
		return d.id, true
	}
	v, ok := d.fields[name]
	return v, ok
}

// Has reports whether the field is present.
func (d *Document) Has(name string) bool {
	_, ok := d.Get(name)
	return ok
}

// Keys returns the field names in wire order, starting with "id".
func (d *Document) Keys() []string {
	return append([]string{IDField}, d.keys...)
}

// Len counts the fields including "id".
func (d *Document) Len() int {
	return len(d.keys) + 1
}

// Fields returns a copy of the fields, including "id", as a plain map.
func (d *Document) Fields() map[string]any {
	m := make(map[string]any, d.Len())
	m[IDField] = d.id
	for _, k := range d.keys {
		m[k] = d.fields[k]
	}
	return m
}

// Clone returns a deep copy of the field list; values are shared.
func (d *Document) Clone() *Document {
	c := &Document{
		kind:      d.kind,
		id:        d.id,
		numericID: d.numericID,
		keys:      slices.Clone(d.keys),
		fields:    make(map[string]any, len(d.fields)),
	}
	for k, v := range d.fields {
		c.fields[k] = v
	}
	return c
}

// MarshalJSON writes the flat wire object, "id" first.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	var id any = d.id
	if d.numericID {
		id = json.Number(d.id)
	}
	if err := writeField(&buf, IDField, id); err != nil {
		return nil, err
	}
	for _, k := range d.keys {
		buf.WriteByte(',')
		if err := writeField(&buf, k, d.fields[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name string, value any) error {
	key, err := json.Marshal(name)
	if err != nil {
		return err
	}
	val, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("document: encode field %q: %w", name, err)
	}
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// UnmarshalJSON replaces the document contents with the wire object, keeping its Kind.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(d.kind, data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Parse builds a document from its wire form. The id is taken from the "id" field when it
// holds a non-empty string or a number; otherwise a new one is generated. A numeric id is
// written back as a number. Every other field
// is copied verbatim, in wire order. Numbers are kept as json.Number.
func Parse(kind string, data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}

	d := &Document{kind: kind, fields: make(map[string]any)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		key := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("document: decode field %q: %w", key, err)
		}
		if key == IDField {
			d.id = idString(value)
			_, d.numericID = value.(json.Number)
			continue
		}
		if _, seen := d.fields[key]; !seen {
			d.keys = append(d.keys, key)
		}
		d.fields[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}

	if d.id == "" {
		d.id = NewID(kind)
	}
	return d, nil
}

// FromMap builds a document from a flat field mapping. Map iteration order is random, so
// the remaining fields are stored sorted by name.
func FromMap(kind string, fields map[string]any) *Document {
	d := &Document{kind: kind, fields: make(map[string]any, len(fields))}
	if id, ok := fields[IDField]; ok {
		d.id = idString(id)
		_, d.numericID = id.(json.Number)
	}
	if d.id == "" {
		d.id = NewID(kind)
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		if k != IDField {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	for _, k := range names {
		d.Set(k, fields[k])
	}
	return d
}

// FromStruct builds a document from any value that encodes to a JSON object, typically an
// application struct with json tags.
func FromStruct(kind string, v any) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document: encode %T: %w", v, err)
	}
	return Parse(kind, data)
}

// Decode copies the document into v through its wire form.
func (d *Document) Decode(v any) error {
	data, err := d.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	}
	return ""
}
