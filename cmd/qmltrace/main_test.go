package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/codec"
	"honnef.co/go/qmltrace/trace/models"
)

func writeTrace(t *testing.T, path string) {
	t.Helper()
	tr := &codec.Trace{
		Start: 0,
		End:   40,
		Types: []trace.EventType{
			{Message: trace.MessageNone, RangeType: trace.RangeJavascript, Data: "outer", DisplayName: "outer"},
			{Message: trace.MessageNone, RangeType: trace.RangeBinding, Data: "inner", DisplayName: "inner"},
			{Message: trace.MessageMemory, RangeType: trace.RangeNone, Detail: trace.HeapPage, DisplayName: "<MemoryAllocation>"},
		},
		Events: []trace.Event{
			trace.NewRangeEvent(0, 0, trace.StageStart),
			trace.NewEvent(5, 2, 1000),
			trace.NewRangeEvent(10, 1, trace.StageStart),
			trace.NewRangeEvent(20, 1, trace.StageEnd),
			trace.NewRangeEvent(40, 0, trace.StageEnd),
		},
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	format, err := codec.FormatFromPath(path)
	require.NoError(t, err)
	require.NoError(t, codec.Save(context.Background(), f, format, tr, codec.Options{}))
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		statsCSV, statsXLSX, statsLimit = "", "", 20
		convertCompression = ""
		flamegraphMemory = false
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.qzt")
	writeTrace(t, path)
	out := run(t, "info", path)
	assert.Contains(t, out, "Events:    5")
	assert.Contains(t, out, "Types:     3")
	assert.Contains(t, out, "javascript, memory")
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.qtd")
	writeTrace(t, path)
	csvPath := filepath.Join(dir, "stats.csv")
	xlsxPath := filepath.Join(dir, "stats.xlsx")
	out := run(t, "stats", "--csv", csvPath, "--xlsx", xlsxPath, path)
	assert.Contains(t, out, "outer")
	assert.Contains(t, out, "inner")

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "Javascript,outer,,1,40,40,40,30,0,"), lines[1])

	f, err := excelize.OpenFile(xlsxPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Statistics")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	calls, err := f.GetRows("Calls")
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"<program>", "outer", "1", "40", "FALSE"}, calls[1])
	assert.Equal(t, []string{"outer", "inner", "1", "10", "FALSE"}, calls[2])
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "trace.qtd")
	out := filepath.Join(dir, "trace.qzt")
	writeTrace(t, in)
	run(t, "convert", "--compression", "zstd", in, out)

	tr := &codec.Trace{}
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, codec.Load(context.Background(), f, 0, codec.FormatQzt, tr, codec.Options{}))
	assert.Len(t, tr.Types, 3)
	assert.Len(t, tr.Events, 5)
	assert.Equal(t, trace.Timestamp(40), tr.End)
}

func TestFlamegraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.qzt")
	writeTrace(t, path)
	out := run(t, "flamegraph", path)
	assert.Equal(t, "outer 30\nouter;inner 10\n", out)
}

func TestMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.qzt")
	writeTrace(t, path)
	out := run(t, "memory", path)
	assert.Contains(t, out, "1,000 bytes")
	assert.Contains(t, out, "Heap Allocation")
}

func TestExpandArgs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.qtd", "b.qtd", "sub/c.qzt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}

	got, err := expandArgs([]string{filepath.Join(dir, "*.qtd"), filepath.Join(dir, "**", "*.qzt"), "missing.qtd"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.qtd"),
		filepath.Join(dir, "b.qtd"),
		filepath.Join(dir, "sub", "c.qzt"),
		"missing.qtd",
	}, got)
}

func TestStatisticsToCSV(t *testing.T) {
	stats := []models.TypeStatistic{{
		Type:      0,
		EventType: trace.EventType{RangeType: trace.RangeBinding, DisplayName: "main.qml:3"},
		Statistic: models.Statistic{Calls: 2, Min: 1, Max: 3, Total: 4, Self: 4, Average: 2, Median: 2, BindingLoop: true},
	}}
	want := "Type,Name,Location,Calls,Min,Max,Total,Self,Recursive,Average,Median,Binding Loop\n" +
		"Binding,main.qml:3,,2,1,3,4,4,0,2.000000,2.000000,true\n"
	if got := statisticsToCSV(stats); got != want {
		t.Errorf("statisticsToCSV()=%q, want %q", got, want)
	}
}
