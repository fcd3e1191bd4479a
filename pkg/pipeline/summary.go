package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	summaryTextLimit = 500
	summaryListLimit = 10
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Summary is the reduced form of a step's output that later steps can
// reference.
type Summary map[string]interface{}

// ExtractSummary reduces agent output. JSON objects are trimmed to their
// interesting fields, JSON inside a fenced code block is parsed, and
// anything else becomes {text, full_length} with the text cut to 500
// characters.
func ExtractSummary(output string) Summary {
	if output == "" {
		return Summary{"text": ""}
	}

	if v, ok := parseJSON(output); ok {
		return reduce(v)
	}

	if m := fencedJSON.FindStringSubmatch(output); m != nil {
		if v, ok := parseJSON(m[1]); ok {
			return asSummary(v)
		}
	}

	return Summary{
		"text":        truncateRunes(output, summaryTextLimit),
		"full_length": utf8.RuneCountInString(output),
	}
}

func parseJSON(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func reduce(v interface{}) Summary {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return asSummary(v)
	}

	if list, ok := obj["leads"].([]interface{}); ok {
		return Summary{"leads_count": len(list), "leads": head(list)}
	}
	if list, ok := obj["contacts"].([]interface{}); ok {
		return Summary{"contacts_count": len(list), "contacts": head(list)}
	}
	if truthy(obj["content_markdown"]) {
		return Summary{"title": obj["title"], "pillar": obj["pillar"], "has_content": true}
	}
	if truthy(obj["email_body"]) {
		return Summary{"subject": obj["email_subject"], "has_email": true}
	}
	return Summary(obj)
}

func asSummary(v interface{}) Summary {
	if obj, ok := v.(map[string]interface{}); ok {
		return Summary(obj)
	}
	return Summary{"value": v}
}

func head(list []interface{}) []interface{} {
	if len(list) > summaryListLimit {
		return list[:summaryListLimit]
	}
	return list
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	default:
		return true
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Text renders the summary for substitution into a message. A plain text
// summary yields its text, anything else its JSON encoding.
func (s Summary) Text() string {
	if text, ok := s["text"].(string); ok {
		plain := true
		for key := range s {
			if key != "text" && key != "full_length" {
				plain = false
				break
			}
		}
		if plain {
			return text
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s Summary) clone() Summary {
	if s == nil {
		return nil
	}
	out := make(Summary, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
