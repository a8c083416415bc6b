package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesAtomicMultilineRecord(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := New("dispatcher")
	l.Begin().
		Info("request %s", "Print-Job").
		Debug("routed to handler").
		Commit()

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "Print-Job")
	assert.Contains(t, out, "routed to handler")
	assert.Equal(t, 1, strings.Count(out, "\"component\":\"dispatcher\""))
}

func TestCcForwardsMatchingLevelsOnly(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	audit := New("audit")
	main := New("dispatcher")
	main.Cc(LogError, audit)

	main.Begin().
		Info("informational line").
		Error("failure line").
		Commit()

	out := buf.String()
	assert.Contains(t, out, "failure line")
	// the audit carbon copy should also contain the error line.
	assert.GreaterOrEqual(t, strings.Count(out, "failure line"), 2)
}

func TestFieldAttachesStructuredValue(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := New("jobstore")
	l.Begin().Info("job created").Field("job-id", "42").Commit()

	assert.Contains(t, buf.String(), "\"job-id\":\"42\"")
}
