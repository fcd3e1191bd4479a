package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/harun/conductor/pkg/executor"
)

var (
	keyPattern         = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)
)

// initialAge orders seeded context before every step
const initialAge = -1

type contextEntry struct {
	key   string
	value interface{}
}

// OutputStore holds the initial context of one run and the summaries of
// its completed steps. Summaries are looked up by step name,
// step_<index>_output and <agent_ref>_output (dashes become underscores)
// and shadow initial context keys of the same name. It is not safe for
// concurrent use.
type OutputStore struct {
	initial map[string]interface{}
	values  map[string]Summary
	ages    map[string]int
	steps   []contextEntry
}

// NewOutputStore creates an empty store
func NewOutputStore() *OutputStore {
	return &OutputStore{
		initial: make(map[string]interface{}),
		values:  make(map[string]Summary),
		ages:    make(map[string]int),
	}
}

// Seed adds initial context values, available to every step
func (o *OutputStore) Seed(initial map[string]interface{}) {
	for k, v := range initial {
		o.initial[k] = v
	}
}

// OutputKeys returns the keys a completed step is stored under
func OutputKeys(index int, step Step) []string {
	keys := []string{
		fmt.Sprintf("step_%d_output", index),
		strings.ReplaceAll(step.AgentRef, "-", "_") + "_output",
	}
	if step.Name != "" {
		keys = append(keys, step.Name)
	}
	return keys
}

// Record stores the summary of step index under all of its keys. A later
// step with the same agent replaces the agent key.
func (o *OutputStore) Record(index int, step Step, summary Summary) {
	for _, key := range OutputKeys(index, step) {
		o.values[key] = summary
		o.ages[key] = index
	}
	name := step.Name
	if name == "" {
		name = fmt.Sprintf("step_%d_output", index)
	}
	o.steps = append(o.steps, contextEntry{key: name, value: summary})
}

// Lookup returns the step summary stored under key
func (o *OutputStore) Lookup(key string) (Summary, bool) {
	s, ok := o.values[key]
	return s, ok
}

// Len returns the number of stored step keys
func (o *OutputStore) Len() int {
	return len(o.values)
}

// Context returns the initial context merged with one entry per completed
// step, keyed by step name.
func (o *OutputStore) Context() map[string]interface{} {
	entries := o.contextEntries()
	out := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		out[e.key] = e.value
	}
	return out
}

// contextEntries lists the context oldest first: initial keys in sorted
// order, then steps in run order.
func (o *OutputStore) contextEntries() []contextEntry {
	keys := make([]string, 0, len(o.initial))
	for k := range o.initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]contextEntry, 0, len(keys)+len(o.steps))
	for _, k := range keys {
		entries = append(entries, contextEntry{key: k, value: o.initial[k]})
	}
	return append(entries, o.steps...)
}

func (o *OutputStore) text(key string) (text string, age int, ok bool) {
	if s, ok := o.values[key]; ok {
		return s.Text(), o.ages[key], true
	}
	if v, ok := o.initial[key]; ok {
		return valueText(v), initialAge, true
	}
	return "", 0, false
}

// Render builds the message for step index from template. Placeholders
// without a value are left as written and returned in missing. An empty
// template becomes the accumulated context as JSON, or a generic
// instruction when there is none. Substituted values are stripped of
// terminal escapes and control characters, and the message never exceeds
// executor.MaxInputLength characters; the oldest context is shortened
// first.
func (o *OutputStore) Render(template string, index int) (message string, missing []string) {
	if strings.TrimSpace(template) == "" {
		return o.renderContext(index), nil
	}
	return o.renderTemplate(template)
}

func (o *OutputStore) renderContext(index int) string {
	fallback := fmt.Sprintf("Pipeline step %d: execute your standard workflow.", index+1)
	entries := o.contextEntries()
	if len(entries) == 0 {
		return fallback
	}

	for {
		msg, err := marshalContext(entries)
		if err != nil {
			return fallback
		}
		if utf8.RuneCountInString(msg) <= executor.MaxInputLength {
			return msg
		}
		if len(entries) == 1 {
			break
		}
		entries = entries[1:]
	}

	// The newest entry alone is too large: pass on a shortened text form.
	last := entries[0]
	text := []rune(cleanText(valueText(last.value)))
	for n := min(len(text), executor.MaxInputLength); n > 0; n /= 2 {
		msg, err := marshalContext([]contextEntry{{key: last.key, value: Summary{
			"text":        string(text[:n]),
			"full_length": len(text),
			"truncated":   true,
		}}})
		if err == nil && utf8.RuneCountInString(msg) <= executor.MaxInputLength {
			return msg
		}
	}
	return fallback
}

func (o *OutputStore) renderTemplate(template string) (string, []string) {
	texts := make(map[string]string)
	ages := make(map[string]int)
	uses := make(map[string]int)
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		key := m[1]
		if _, seen := texts[key]; seen {
			uses[key]++
			continue
		}
		if text, age, ok := o.text(key); ok {
			texts[key] = cleanText(text)
			ages[key] = age
			uses[key] = 1
		}
	}

	substitute := func() (string, []string) {
		var missing []string
		msg := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
			key := placeholderPattern.FindStringSubmatch(match)[1]
			if text, ok := texts[key]; ok {
				return text
			}
			missing = append(missing, key)
			return match
		})
		return msg, missing
	}

	message, missing := substitute()
	excess := utf8.RuneCountInString(message) - executor.MaxInputLength
	if excess <= 0 {
		return message, missing
	}

	keys := make([]string, 0, len(texts))
	for k := range texts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if ages[keys[i]] != ages[keys[j]] {
			return ages[keys[i]] < ages[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		if excess <= 0 {
			break
		}
		runes := []rune(texts[key])
		n := uses[key]
		cut := min(len(runes), (excess+n-1)/n)
		texts[key] = string(runes[:len(runes)-cut])
		excess -= cut * n
	}

	message, missing = substitute()
	if runes := []rune(message); len(runes) > executor.MaxInputLength {
		message = string(runes[:executor.MaxInputLength])
	}
	return message, missing
}

func marshalContext(entries []contextEntry) (string, error) {
	ctx := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		ctx[e.key] = cleanValue(e.value)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]interface{}{"pipeline_context": ctx}); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func valueText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case Summary:
		return t.Text()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// cleanText drops terminal escape sequences and every control character
// other than newline, carriage return and tab.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func cleanValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case Summary:
		return cleanValue(map[string]interface{}(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[cleanText(k)] = cleanValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cleanValue(item)
		}
		return out
	}
	return v
}
