package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"honnef.co/go/qmltrace/trace/models"
)

var statisticsHeader = []string{"Type", "Name", "Location", "Calls", "Min", "Max", "Total", "Self", "Recursive", "Average", "Median", "Binding Loop"}

func statisticRow(st *models.TypeStatistic) []any {
	return []any{
		st.EventType.Name(),
		st.EventType.DisplayName,
		st.EventType.Location.String(),
		st.Calls,
		int64(st.Min),
		int64(st.Max),
		int64(st.Total),
		int64(st.Self),
		int64(st.Recursive),
		st.Average,
		st.Median,
		st.BindingLoop,
	}
}

func statisticsToCSV(stats []models.TypeStatistic) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	w.Write(statisticsHeader)

	for i := range stats {
		row := statisticRow(&stats[i])
		fields := make([]string, len(row))
		for j, v := range row {
			switch v := v.(type) {
			case float64:
				fields[j] = fmt.Sprintf("%f", v)
			default:
				fields[j] = fmt.Sprint(v)
			}
		}
		w.Write(fields)
	}

	w.Flush()
	return buf.String()
}

// statisticsToXLSX writes a workbook with one sheet of per-type statistics and one sheet of caller/callee
// pairs.
func statisticsToXLSX(path string, stats *models.Statistics) error {
	f := excelize.NewFile()
	defer f.Close()

	const statsSheet, callsSheet = "Statistics", "Calls"
	if err := f.SetSheetName("Sheet1", statsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(callsSheet); err != nil {
		return err
	}

	setRow := func(sheet string, row int, values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		return f.SetSheetRow(sheet, cell, &values)
	}

	header := make([]any, len(statisticsHeader))
	for i, h := range statisticsHeader {
		header[i] = h
	}
	if err := setRow(statsSheet, 1, header); err != nil {
		return err
	}
	all := stats.All()
	for i := range all {
		if err := setRow(statsSheet, i+2, statisticRow(&all[i])); err != nil {
			return err
		}
	}

	if err := setRow(callsSheet, 1, []any{"Caller", "Callee", "Calls", "Total", "Recursive"}); err != nil {
		return err
	}
	names := make(map[int32]string, len(all))
	for _, st := range all {
		names[st.Type] = st.EventType.DisplayName
	}
	name := func(idx int32) string {
		if idx == models.RootType {
			return "<program>"
		}
		return names[idx]
	}
	callers := []int32{models.RootType}
	for _, st := range all {
		callers = append(callers, st.Type)
	}
	row := 2
	for _, caller := range callers {
		for _, c := range stats.Callees(caller) {
			if err := setRow(callsSheet, row, []any{name(c.Caller), name(c.Callee), c.Calls, int64(c.Total), c.Recursive}); err != nil {
				return err
			}
			row++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("couldn't write %s: %w", path, err)
	}
	return nil
}

func writeFile(path, data string) error {
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("couldn't write %s: %w", path, err)
	}
	return nil
}
