package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSummary(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Summary
	}{
		{
			name:   "empty",
			output: "",
			want:   Summary{"text": ""},
		},
		{
			name:   "leads are counted and capped",
			output: `{"leads":[1,2,3,4,5,6,7,8,9,10,11,12]}`,
			want: Summary{
				"leads_count": 12,
				"leads":       []interface{}{1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 7.0, 8.0, 9.0, 10.0},
			},
		},
		{
			name:   "contacts",
			output: `{"contacts":[{"name":"Ana"}]}`,
			want: Summary{
				"contacts_count": 1,
				"contacts":       []interface{}{map[string]interface{}{"name": "Ana"}},
			},
		},
		{
			name:   "content",
			output: `{"content_markdown":"# Hi","title":"Hello","pillar":"growth"}`,
			want:   Summary{"title": "Hello", "pillar": "growth", "has_content": true},
		},
		{
			name:   "email",
			output: `{"email_body":"Hi there","email_subject":"Intro"}`,
			want:   Summary{"subject": "Intro", "has_email": true},
		},
		{
			name:   "other objects pass through",
			output: `{"status":"ok","count":2}`,
			want:   Summary{"status": "ok", "count": 2.0},
		},
		{
			name:   "fenced json",
			output: "Here you go:\n```json\n{\"ranked\":true}\n```\nthanks",
			want:   Summary{"ranked": true},
		},
		{
			name:   "non-object json",
			output: `[1,2]`,
			want:   Summary{"value": []interface{}{1.0, 2.0}},
		},
		{
			name:   "plain text",
			output: "all done",
			want:   Summary{"text": "all done", "full_length": 8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSummary(tt.output))
		})
	}
}

func TestExtractSummaryTruncatesText(t *testing.T) {
	long := strings.Repeat("é", 700)
	summary := ExtractSummary(long)

	assert.Equal(t, 700, summary["full_length"])
	assert.Equal(t, strings.Repeat("é", 500), summary["text"])
}

func TestSummaryText(t *testing.T) {
	assert.Equal(t, "hello", Summary{"text": "hello", "full_length": 5}.Text())
	assert.Equal(t, `{"has_email":true,"subject":"Intro"}`, Summary{"subject": "Intro", "has_email": true}.Text())
	assert.Equal(t, `{"text":"x","title":"y"}`, Summary{"text": "x", "title": "y"}.Text())
}
