// Package report builds the periodic trapper spreadsheet and archives
// photos to object storage.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"trapper-data-collection/internal/arcgis"
)

// DateLayout is the calendar-date format used for the nominated date column
const DateLayout = "2006-01-02"

// Source is a queryable layer or table
type Source interface {
	Query(ctx context.Context, q arcgis.Query) (*arcgis.FeatureSet, error)
}

// Dataset is one sheet of the report
type Dataset struct {
	Sheet      string
	DateColumn string
	Source     Source
}

// Table is a dataset flattened to rows
type Table struct {
	Columns []string
	Rows    [][]any
}

// Exporter writes datasets to a workbook
type Exporter struct {
	columnWidth float64
	drop        map[string]bool
	logger      *zap.Logger
}

// NewExporter creates an exporter that leaves out dropColumns and sets
// every column to columnWidth
func NewExporter(columnWidth float64, dropColumns []string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	drop := make(map[string]bool, len(dropColumns))
	for _, c := range dropColumns {
		drop[c] = true
	}
	return &Exporter{columnWidth: columnWidth, drop: drop, logger: logger}
}

// FileName returns the workbook name for a report produced at now
func FileName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%s.xlsx", prefix, now.Format(DateLayout))
}

// BuildTable flattens a feature set. Columns follow the service's field
// order with the dropped columns removed; dateColumn values are turned
// from epoch milliseconds into calendar dates.
func (e *Exporter) BuildTable(fs *arcgis.FeatureSet, dateColumn string) Table {
	var columns []string
	if len(fs.Fields) > 0 {
		for _, f := range fs.Fields {
			if !e.drop[f.Name] {
				columns = append(columns, f.Name)
			}
		}
	} else if len(fs.Features) > 0 {
		for name := range fs.Features[0].Attributes {
			if !e.drop[name] {
				columns = append(columns, name)
			}
		}
		sort.Strings(columns)
	}

	rows := make([][]any, 0, len(fs.Features))
	for _, f := range fs.Features {
		row := make([]any, len(columns))
		for i, col := range columns {
			if col == dateColumn {
				row[i] = formatDate(f, col)
				continue
			}
			row[i] = cellValue(f.Attributes[col])
		}
		rows = append(rows, row)
	}
	return Table{Columns: columns, Rows: rows}
}

// Export fetches every dataset and writes it to a new workbook, one sheet
// per dataset in order
func (e *Exporter) Export(ctx context.Context, datasets []Dataset) (*excelize.File, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("report: no datasets")
	}

	wb := excelize.NewFile()
	style, err := wb.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		wb.Close()
		return nil, err
	}

	for i, ds := range datasets {
		e.logger.Info(fmt.Sprintf("Exporting %s", ds.Sheet))
		fs, err := ds.Source.Query(ctx, arcgis.Query{Where: "1=1"})
		if err != nil {
			wb.Close()
			return nil, fmt.Errorf("failed to query %s: %w", ds.Sheet, err)
		}
		table := e.BuildTable(fs, ds.DateColumn)

		if i == 0 {
			err = wb.SetSheetName(wb.GetSheetName(0), ds.Sheet)
		} else {
			_, err = wb.NewSheet(ds.Sheet)
		}
		if err != nil {
			wb.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", ds.Sheet, err)
		}
		if err := e.writeSheet(wb, ds.Sheet, table, style); err != nil {
			wb.Close()
			return nil, fmt.Errorf("failed to write sheet %s: %w", ds.Sheet, err)
		}
		e.logger.Debug("Sheet written", zap.String("sheet", ds.Sheet), zap.Int("rows", len(table.Rows)))
	}
	wb.SetActiveSheet(0)
	return wb, nil
}

// WriteFile exports the datasets to path
func (e *Exporter) WriteFile(ctx context.Context, datasets []Dataset, path string) error {
	wb, err := e.Export(ctx, datasets)
	if err != nil {
		return err
	}
	defer wb.Close()

	if err := wb.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report %s: %w", path, err)
	}
	e.logger.Info(fmt.Sprintf("Report written to %s", path))
	return nil
}

func (e *Exporter) writeSheet(wb *excelize.File, sheet string, table Table, style int) error {
	header := make([]any, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c
	}
	if err := wb.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range table.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := row
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	if len(table.Columns) == 0 {
		return nil
	}
	last, err := excelize.ColumnNumberToName(len(table.Columns))
	if err != nil {
		return err
	}
	if err := wb.SetColWidth(sheet, "A", last, e.columnWidth); err != nil {
		return err
	}
	return wb.SetColStyle(sheet, "A:"+last, style)
}

// formatDate renders an epoch-millisecond attribute as a calendar date.
// Values that are not numbers are passed through.
func formatDate(f arcgis.Feature, name string) any {
	if !f.Has(name) {
		return nil
	}
	if ms, ok := f.GetInt(name); ok {
		if _, isString := f.Attributes[name].(string); !isString {
			return time.UnixMilli(ms).UTC().Format(DateLayout)
		}
	}
	return cellValue(f.Attributes[name])
}

// cellValue turns decoded JSON numbers into numeric cells
func cellValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
