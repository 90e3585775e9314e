package record

// Record is one owned unit of data in the replicated collection.
type Record struct {
	Id       string         `json:"id"`
	OwnerId  string         `json:"ownerId"`
	Fields   map[string]any `json:"fields,omitempty"`
	Revision uint64         `json:"revision,omitempty"`
}

// Clone returns a copy of the record whose top level field map can be
// modified without affecting the original.
func (r Record) Clone() Record {
	c := r
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Snapshot is the complete record set of one owner as seen by the remote
// store at Revision.
type Snapshot struct {
	OwnerId  string   `json:"ownerId"`
	Revision uint64   `json:"revision"`
	Records  []Record `json:"records"`
}

// CloneAll copies a slice of records.
func CloneAll(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
