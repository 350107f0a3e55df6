package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Entry {
	t.Helper()
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e), "line: %s", line)
		entries = append(entries, e)
	}
	return entries
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Errorf("e", map[string]any{"n": 1})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "error", entries[1].Level)
	assert.EqualValues(t, 1, entries[1].Fields["n"])
}

func TestParseLevelAndFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatJSON, ParseFormat(""))
}

func TestDerivedLoggersDoNotLeakFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelDebug, Output: &buf})
	child := base.WithComponent("shedding").With(map[string]any{"broker": "b1:8080"})

	base.Info("base")
	child.Infof("child", map[string]any{"err": errors.New("boom")})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].Component)
	assert.Nil(t, entries[0].Fields)
	assert.Equal(t, "shedding", entries[1].Component)
	assert.Equal(t, "b1:8080", entries[1].Fields["broker"])
	assert.Equal(t, "boom", entries[1].Fields["err"])
}

func TestTextFormatIsSorted(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf}).WithCycleID("c-1")
	l.Infof("cycle done", map[string]any{"z": "last", "a": 2})

	line := buf.String()
	assert.Contains(t, line, "[info] cycle done cycleId=c-1 a=2 z=last")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Output: &buf})

	ctx := WithRequestIDCtx(context.Background(), "req-7")
	ctx, l := StartCycle(ctx, base)
	l.Info("hello")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0].RequestID)
	assert.Equal(t, CycleIDFromCtx(ctx), entries[0].CycleID)
	assert.NotEmpty(t, entries[0].CycleID)

	attached := WithLoggerCtx(context.Background(), base.WithComponent("lookup"))
	buf.Reset()
	FromCtx(attached).Info("attached")
	entries = decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "lookup", entries[0].Component)
}

func TestConcurrentWritesProduceWholeLines(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Output: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := base.With(map[string]any{"worker": i})
			for j := 0; j < 50; j++ {
				l.Info("tick")
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 400)
}

func TestGlobalSwap(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	SetGlobal(New(Config{Level: LevelInfo, Output: &buf}))
	Warnf("global", map[string]any{"k": "v"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "global", entries[0].Message)
}
