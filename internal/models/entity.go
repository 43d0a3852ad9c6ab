package models

import "time"

// Standardized entity labels. Source model labels are mapped through
// StandardizeLabel before persistence.
const (
	LabelPerson   = "PERSON"
	LabelOrg      = "ORG"
	LabelLocation = "location"
	LabelDate     = "DATE"
	LabelMoney    = "MONEY"
	LabelMisc     = "MISC"
)

// labelTable maps raw model labels onto the fixed standardization table
var labelTable = map[string]string{
	"PERSON": LabelPerson,
	"PER":    LabelPerson,
	"ORG":    LabelOrg,
	"GPE":    LabelLocation,
	"LOC":    LabelLocation,
	"FAC":    LabelLocation,
	"DATE":   LabelDate,
	"TIME":   LabelDate,
	"MONEY":  LabelMoney,
}

// StandardizeLabel maps a raw NER label to the fixed label set,
// falling back to MISC for unknown labels.
func StandardizeLabel(raw string) string {
	if std, ok := labelTable[raw]; ok {
		return std
	}
	return LabelMisc
}

// EntityMention is a per-chunk extraction. Confidence is heuristic when the
// underlying model exposes no score: a ranking signal, not a probability.
type EntityMention struct {
	ID         string  `json:"id" badgerhold:"key"`
	DocumentID string  `json:"document_id" badgerholdIndex:"DocumentID"`
	ChunkID    string  `json:"chunk_id" badgerholdIndex:"ChunkID"`
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartChar  int     `json:"start_char"`
	EndChar    int     `json:"end_char"`
	Confidence float64 `json:"confidence"`
	EntityID   string  `json:"entity_id,omitempty"` // Canonical entity, set by dedup
}

// CanonicalEntity is the merged representative of many textual mentions
// referring to the same real-world entity.
type CanonicalEntity struct {
	ID           string    `json:"id" badgerhold:"key"`
	Name         string    `json:"name" badgerholdIndex:"Name"`
	Label        string    `json:"label"`
	MentionCount int       `json:"mention_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}
