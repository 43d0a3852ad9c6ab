package events

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"*", "document.ingested", true},
		{"*", "stage.extract.completed", true},
		{"document.ingested", "document.ingested", true},
		{"document.ingested", "document.processed", false},
		{"document.*", "document.ingested", true},
		{"document.*", "document.ocr_required", true},
		{"document.*", "stage.extract.completed", false},
		{"stage.*.completed", "stage.extract.completed", true},
		{"stage.*.completed", "stage.ocr-heavy.completed", true},
		{"stage.*.completed", "stage.completed", false},
		{"stage.*.completed", "stage.extract.failed", false},
		{"*.ingested", "document.ingested", true},
		{"entities.*.*", "entities.canonical.merged", true},
		{"entities.*", "entities.canonical.merged", false},
	}

	for _, tt := range tests {
		if got := matchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}
