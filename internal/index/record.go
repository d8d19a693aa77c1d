package index

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nabulines/nabulines/internal/schema"
)

// Record is a primary document. On the wire and in the store its attributes
// sit next to id, createdAt and updatedAt in one flat JSON object.
type Record struct {
	Type       string         `json:"-"`
	ID         string         `json:"id"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Attributes map[string]any `json:"-"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Attributes)+3)
	for k, v := range r.Attributes {
		doc[k] = v
	}
	doc[schema.FieldID] = r.ID
	doc[schema.FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	doc[schema.FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(doc)
}

// Attr returns the attribute value, or nil when absent.
func (r *Record) Attr(name string) any {
	if r == nil || r.Attributes == nil {
		return nil
	}
	return r.Attributes[name]
}

// decodeRecord parses a stored document. The id always comes from the key;
// a document whose embedded id disagrees is still readable.
func decodeRecord(s *schema.Schema, id string, data string) (*Record, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", PrimaryKey(s.Type, id), err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decoding %s: document is not an object", PrimaryKey(s.Type, id))
	}
	rec := &Record{Type: s.Type, ID: id}
	var err error
	if rec.CreatedAt, err = parseTime(doc[schema.FieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decoding %s createdAt: %w", PrimaryKey(s.Type, id), err)
	}
	if rec.UpdatedAt, err = parseTime(doc[schema.FieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decoding %s updatedAt: %w", PrimaryKey(s.Type, id), err)
	}
	delete(doc, schema.FieldID)
	delete(doc, schema.FieldCreatedAt)
	delete(doc, schema.FieldUpdatedAt)
	rec.Attributes = s.Decode(doc)
	return rec, nil
}

// Missing timestamps decode as zero so documents written by older tools
// remain readable.
func parseTime(v any) (time.Time, error) {
	switch tv := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if tv == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, tv)
	case json.Number:
		ms, err := tv.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unexpected timestamp %T", v)
}
