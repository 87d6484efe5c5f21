// Package record defines the records exchanged during offline synchronization and
// the store capabilities the reconciler consumes.
//
// Records are opaque JSON documents. The only fields the subsystem interprets are the
// identity ("_id", or "id" when "_id" is absent) and "lastUpdated", a millisecond Unix
// timestamp.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Family names one of the synchronized record collections
type Family string

const (
	Resources Family = "resources"
	Alerts    Family = "alerts"
	Knowledge Family = "knowledge"
)

// Families lists every synchronized family in merge order
var Families = []Family{Resources, Alerts, Knowledge}

// Valid reports whether f is one of the synchronized families
func (f Family) Valid() bool {
	switch f {
	case Resources, Alerts, Knowledge:
		return true
	}
	return false
}

var (
	// ErrMissingID is returned when a document has no usable identity
	ErrMissingID = errors.New("record has no _id")
	// ErrMissingLastUpdated is returned when a document has no lastUpdated timestamp
	ErrMissingLastUpdated = errors.New("record has no lastUpdated")
)

// Record is a synchronized document
type Record struct {
	ID          string
	LastUpdated int64
	Doc         json.RawMessage
}

type recordHeader struct {
	UnderscoreID json.RawMessage `json:"_id"`
	ID           json.RawMessage `json:"id"`
	LastUpdated  *json.Number    `json:"lastUpdated"`
}

// Parse extracts identity and lastUpdated from a JSON document. The document is
// kept verbatim in Doc.
func Parse(doc json.RawMessage) (Record, error) {
	var hdr recordHeader
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&hdr); err != nil {
		return Record{}, fmt.Errorf("malformed record: %w", err)
	}

	rawID := hdr.UnderscoreID
	if len(rawID) == 0 || string(rawID) == "null" {
		rawID = hdr.ID
	}
	id, err := identity(rawID)
	if err != nil {
		return Record{}, err
	}

	if hdr.LastUpdated == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrMissingLastUpdated, id)
	}
	lastUpdated, err := hdr.LastUpdated.Int64()
	if err != nil {
		f, ferr := hdr.LastUpdated.Float64()
		if ferr != nil {
			return Record{}, fmt.Errorf("record %s: invalid lastUpdated %q", id, hdr.LastUpdated.String())
		}
		lastUpdated = int64(f)
	}

	return Record{ID: id, LastUpdated: lastUpdated, Doc: append(json.RawMessage(nil), doc...)}, nil
}

// identity accepts string and numeric ids
func identity(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrMissingID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", ErrMissingID
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: unsupported id %s", ErrMissingID, string(raw))
}

// New builds a Record whose document is doc with _id and lastUpdated set
func New(id string, lastUpdated int64, fields map[string]any) (Record, error) {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["_id"] = id
	body["lastUpdated"] = lastUpdated

	doc, err := json.Marshal(body)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	return Record{ID: id, LastUpdated: lastUpdated, Doc: doc}, nil
}

// MarshalJSON emits the stored document
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Doc) == 0 {
		return json.Marshal(map[string]any{"_id": r.ID, "lastUpdated": r.LastUpdated})
	}
	return r.Doc, nil
}

// UnmarshalJSON parses a document with Parse
func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Payload carries the buffered local writes a client pushes on reconnect. A nil
// family slice means the family is absent from the push. Documents stay raw so a
// malformed record fails alone instead of rejecting the whole payload.
type Payload struct {
	Resources []json.RawMessage `json:"resources,omitempty"`
	Alerts    []json.RawMessage `json:"alerts,omitempty"`
	Knowledge []json.RawMessage `json:"knowledge,omitempty"`
}

// Family returns the documents pushed for f and whether the family was present
func (p *Payload) Family(f Family) ([]json.RawMessage, bool) {
	var docs []json.RawMessage
	switch f {
	case Resources:
		docs = p.Resources
	case Alerts:
		docs = p.Alerts
	case Knowledge:
		docs = p.Knowledge
	}
	return docs, docs != nil
}

// Add appends records to the family, mostly for programmatic callers and tests
func (p *Payload) Add(f Family, recs ...Record) {
	for _, rec := range recs {
		doc, _ := rec.MarshalJSON()
		switch f {
		case Resources:
			p.Resources = append(p.Resources, doc)
		case Alerts:
			p.Alerts = append(p.Alerts, doc)
		case Knowledge:
			p.Knowledge = append(p.Knowledge, doc)
		}
	}
}

// Changes is the delta a reconnecting client missed
type Changes struct {
	Resources []Record `json:"resources"`
	Alerts    []Record `json:"alerts"`
	Knowledge []Record `json:"knowledge"`
	// Timestamp is the server time, in milliseconds, to use as the client's next cursor
	Timestamp int64 `json:"timestamp"`
}

// Set stores recs as the changes of family f
func (c *Changes) Set(f Family, recs []Record) {
	if recs == nil {
		recs = []Record{}
	}
	switch f {
	case Resources:
		c.Resources = recs
	case Alerts:
		c.Alerts = recs
	case Knowledge:
		c.Knowledge = recs
	}
}

// Count returns the number of changed records across all families
func (c *Changes) Count() int {
	return len(c.Resources) + len(c.Alerts) + len(c.Knowledge)
}
