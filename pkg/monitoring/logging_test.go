package monitoring

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph/hybrid-search/pkg/pool"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestEventLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewEventLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	logger.Handle(pool.Event{Type: pool.EventConnectionCreated, ConnectionID: "c1", Timestamp: time.Now()})
	logger.Handle(pool.Event{
		Type:         pool.EventConnectionError,
		ConnectionID: "c1",
		Timestamp:    time.Now(),
		Err:          errors.New("connection reset by peer"),
		Metadata:     map[string]interface{}{"failures": 3},
	})
	logger.Handle(pool.Event{Type: pool.EventConnectionAcquired, ConnectionID: "c1", Duration: 2 * time.Millisecond})
	logger.Handle(pool.Event{Type: pool.EventQuerySucceeded, ConnectionID: "c1"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "connection_created", lines[0]["event"])
	assert.Equal(t, "pool", lines[0]["component"])

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "connection reset by peer", lines[1]["error"])
	assert.Equal(t, float64(3), lines[1]["failures"])

	assert.Equal(t, "debug", lines[2]["level"])
	assert.Equal(t, "c1", lines[2]["connection_id"])
	assert.Contains(t, lines[2], "duration")
}

func TestEventLogger_Attach(t *testing.T) {
	var buf bytes.Buffer
	logger := NewEventLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	p := newInitializedSQLitePool(t)
	detach := logger.Attach(p)

	// Equivalent of testing.T.Context, which needs Go 1.24.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, err := p.Execute(ctx, "SELECT 1")
	require.NoError(t, err)
	detach()
	_, err = p.Execute(ctx, "SELECT 1")
	require.NoError(t, err)

	// Acquire, release and query events sit below info
	assert.Empty(t, decodeLines(t, &buf))
}
