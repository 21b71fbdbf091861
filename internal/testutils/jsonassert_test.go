package testutils

import (
	"fmt"
	"testing"

	"github.com/srg/buttond/internal/events"
	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "extra keys ignored by default",
			actual:   `{"buttonId":"A","name":"n","state":1}`,
			expected: `{"buttonId":"A"}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"buttonId":"A","state":1}`,
			expected: `{"buttonId":"A"}`,
		},
		{
			name:     "presence placeholder",
			actual:   `{"seq":17,"event":"scanSuccess"}`,
			expected: `{"seq":"<<PRESENCE>>","event":"scanSuccess"}`,
			match:    true,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"event":"scanSuccess"}`,
			expected: `{"seq":"<<PRESENCE>>","event":"scanSuccess"}`,
		},
		{
			name:     "root arrays",
			actual:   `[{"a":1},{"a":2}]`,
			expected: `[{"a":1},{"a":2}]`,
			match:    true,
		},
		{
			name:     "array order matters by default",
			actual:   `[{"a":2},{"a":1}]`,
			expected: `[{"a":1},{"a":2}]`,
		},
		{
			name:     "array order ignored",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `[{"a":2},{"a":1}]`,
			expected: `[{"a":1},{"a":2}]`,
			match:    true,
		},
		{
			name:     "ignored fields",
			opts:     []Option{WithIgnoredFields("time"), WithIgnoreExtraKeys(false)},
			actual:   `{"event":"x","time":"now"}`,
			expected: `{"event":"x","time":"later"}`,
			match:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"state":4}`,
			expected: `{"state":3}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_ReportsFailure(t *testing.T) {
	rt := &recordingT{}
	ok := NewJSONAsserter(rt).Assert(`{"a":1}`, `{"a":2}`)

	assert.False(t, ok)
	assert.Len(t, rt.failures, 1)
	assert.Contains(t, rt.failures[0], "JSON assertion failed")
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.Contains(t, ja.Diff(`{`, `{}`), "invalid actual JSON")
	assert.Contains(t, ja.Diff(`{}`, `{`), "invalid expected JSON")
}

func TestJSONAsserter_AssertEvents(t *testing.T) {
	stream := []events.Event{
		{Seq: 1, Name: events.ScanEvent, Payload: events.Message("A button was discovered.")},
		{Seq: 2, Name: events.ScanSuccess, Payload: events.ButtonID("AA")},
	}

	NewJSONAsserter(t).AssertEvents(stream, `[
		{"event":"scanEvent","data":{"message":"A button was discovered."}},
		{"event":"scanSuccess","data":{"buttonId":"AA"}}
	]`)
}
