package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/council"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

// FileFormat is the supported spreadsheet container.
type FileFormat string

const (
	FormatCSV  FileFormat = "CSV"
	FormatXLSX FileFormat = "XLSX"
	FormatXLS  FileFormat = "XLS"
)

// ParseError is fatal for a run: the file itself cannot be turned into rows.
// Row is the 1-based file row the failure was detected at, 0 when the whole
// file is unusable.
type ParseError struct {
	Row     int
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error { return e.Cause }

func newParseError(row int, message string, cause error) *ParseError {
	return &ParseError{Row: row, Message: message, Cause: cause}
}

// DetectFormat picks the parser for an upload from its file extension,
// cross-checked against the sniffed MIME type when one is available.
func DetectFormat(fileName, mimeType string) (FileFormat, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".xls":
		if strings.Contains(mimeType, "spreadsheetml") {
			return FormatXLSX, nil
		}
		return FormatXLS, nil
	default:
		return "", newParseError(0, fmt.Sprintf("unsupported file type %q", filepath.Ext(fileName)), nil)
	}
}

// Spreadsheet columns in their fixed schema order.
const (
	colSchoolName = iota
	colEMISCode
	colRegion
	colDistrict
	colCouncil
	colSchoolType
	colChiefdom
	colSection
	colTown
	colLatitude
	colLongitude
	colAltitude
	columnCount
)

var columnNames = [columnCount]string{
	"School Name",
	"EMIS Code",
	"Region",
	"District",
	"Council",
	"School Type",
	"Chiefdom",
	"Section",
	"Town",
	"Latitude",
	"Longitude",
	"Altitude",
}

// headerColumn maps a normalized header cell to its schema column. Headers
// exported by the ministry's older tooling use a few shorthand variants.
func headerColumn(header string) (int, bool) {
	switch council.Normalize(header) {
	case "school name", "name of school":
		return colSchoolName, true
	case "emis code", "emis", "emis number":
		return colEMISCode, true
	case "region":
		return colRegion, true
	case "district":
		return colDistrict, true
	case "council", "local council":
		return colCouncil, true
	case "school type", "type of school":
		return colSchoolType, true
	case "chiefdom":
		return colChiefdom, true
	case "section":
		return colSection, true
	case "town", "town village":
		return colTown, true
	case "latitude", "lat":
		return colLatitude, true
	case "longitude", "long", "lon":
		return colLongitude, true
	case "altitude", "alt", "elevation":
		return colAltitude, true
	default:
		return 0, false
	}
}

// RowHandler receives each staged row in file order.
type RowHandler func(row *stagingrow.StagingRow) error

// RowParser converts an uploaded spreadsheet into normalized staging rows.
// It applies no business rules: cells are passed through verbatim, with the
// header row mapped onto the fixed schema.
type RowParser struct{}

func NewRowParser() *RowParser {
	return &RowParser{}
}

// Parse streams the file at path through fn and returns the number of data
// rows emitted. The header is file row 1; rows whose mapped cells are all
// blank are skipped without breaking file row numbering. A file with a valid
// header but no data rows is a parse failure.
func (p *RowParser) Parse(ctx context.Context, runID uuid.UUID, path string, format FileFormat, fn RowHandler) (int, error) {
	sink := &rowSink{runID: runID, fn: fn}

	var err error
	switch format {
	case FormatCSV:
		err = readCSV(ctx, path, sink.accept)
	case FormatXLSX:
		err = readXLSX(ctx, path, sink.accept)
	case FormatXLS:
		err = readXLS(ctx, path, sink.accept)
	default:
		return 0, newParseError(0, fmt.Sprintf("unsupported format %q", format), nil)
	}
	if err != nil {
		return 0, err
	}

	if !sink.bound {
		return 0, newParseError(0, "file contains no rows", nil)
	}
	if sink.emitted == 0 {
		return 0, newParseError(0, "file contains no data rows", nil)
	}
	return sink.emitted, nil
}

// rowSink binds the header on the first row it sees and turns every later
// row into a StagingRow.
type rowSink struct {
	runID   uuid.UUID
	fn      RowHandler
	columns [columnCount]int
	bound   bool
	emitted int
}

func (s *rowSink) accept(rowNumber int, cells []string) error {
	if !s.bound {
		return s.bindHeader(rowNumber, cells)
	}

	row := &stagingrow.StagingRow{
		RunID:            s.runID,
		FileRowNumber:    rowNumber,
		ValidationStatus: stagingrow.ValidationPending,
		MatchType:        stagingrow.MatchNone,
	}
	blank := true
	for col := 0; col < columnCount; col++ {
		idx := s.columns[col]
		if idx < 0 || idx >= len(cells) {
			continue
		}
		value := strings.TrimSpace(cells[idx])
		if value != "" {
			blank = false
		}
		switch col {
		case colSchoolName:
			row.SchoolName = value
		case colEMISCode:
			row.EMISCode = value
		case colRegion:
			row.Region = value
		case colDistrict:
			row.District = value
		case colCouncil:
			row.Council = value
		case colSchoolType:
			row.SchoolType = value
		case colChiefdom:
			row.Chiefdom = value
		case colSection:
			row.Section = value
		case colTown:
			row.Town = value
		case colLatitude:
			row.LatitudeRaw = value
		case colLongitude:
			row.LongitudeRaw = value
		case colAltitude:
			row.AltitudeRaw = value
		}
	}
	if blank {
		return nil
	}

	s.emitted++
	return s.fn(row)
}

func (s *rowSink) bindHeader(rowNumber int, cells []string) error {
	for i := range s.columns {
		s.columns[i] = -1
	}
	for idx, cell := range cells {
		col, ok := headerColumn(strings.TrimPrefix(cell, "\ufeff"))
		if !ok {
			continue
		}
		if s.columns[col] < 0 {
			s.columns[col] = idx
		}
	}

	missing := make([]string, 0)
	for col, idx := range s.columns {
		if idx < 0 {
			missing = append(missing, columnNames[col])
		}
	}
	if len(missing) > 0 {
		return newParseError(rowNumber, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), nil)
	}
	s.bound = true
	return nil
}

func readCSV(ctx context.Context, path string, accept func(int, []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return newParseError(0, "cannot open file", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rowNumber := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			rowNumber++
			return newParseError(rowNumber, "malformed CSV", err)
		}
		rowNumber++
		if err := accept(rowNumber, record); err != nil {
			return err
		}
	}
}

func readXLSX(ctx context.Context, path string, accept func(int, []string) error) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return newParseError(0, "cannot open workbook", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return newParseError(0, "workbook has no sheets", nil)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return newParseError(0, "cannot read sheet", err)
	}
	defer func() { _ = rows.Close() }()

	rowNumber := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells, err := rows.Columns()
		if err != nil {
			return newParseError(rowNumber+1, "cannot read row", err)
		}
		rowNumber++
		if err := accept(rowNumber, cells); err != nil {
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return newParseError(rowNumber, "cannot read sheet", err)
	}
	return nil
}

func readXLS(ctx context.Context, path string, accept func(int, []string) error) error {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return newParseError(0, "cannot open workbook", err)
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return newParseError(0, "workbook has no sheets", nil)
	}

	for i := 0; i <= int(sheet.MaxRow); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowNumber := i + 1
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		last := row.LastCol()
		cells := make([]string, 0, last)
		for j := 0; j < last; j++ {
			cells = append(cells, row.Col(j))
		}
		if err := accept(rowNumber, cells); err != nil {
			return err
		}
	}
	return nil
}
