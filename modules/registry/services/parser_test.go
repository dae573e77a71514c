package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

const csvHeader = "School Name,EMIS Code,Region,District,Council,School Type,Chiefdom,Section,Town,Latitude,Longitude,Altitude"

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func collectRows(t *testing.T, path string, format FileFormat) []*stagingrow.StagingRow {
	t.Helper()
	var rows []*stagingrow.StagingRow
	n, err := NewRowParser().Parse(context.Background(), uuid.New(), path, format, func(r *stagingrow.StagingRow) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(rows), n)
	return rows
}

func TestRowParser_CSV_MapsHeaderAndRows(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n"+
		"Bo School For Girls,1100245,Southern,Bo,Bo City Council,Primary,Kakua,Sewa Road,Bo,7.9639,-11.7383,104\n"+
		"Freetown Academy,2200999,Western,Western Area Urban,FCC,JSS,Central,Tower Hill,Freetown,8.4844,-13.2344,76\n")

	rows := collectRows(t, path, FormatCSV)
	require.Len(t, rows, 2)

	first := rows[0]
	require.Equal(t, 2, first.FileRowNumber)
	require.Equal(t, "Bo School For Girls", first.SchoolName)
	require.Equal(t, "1100245", first.EMISCode)
	require.Equal(t, "Southern", first.Region)
	require.Equal(t, "Bo", first.District)
	require.Equal(t, "Bo City Council", first.Council)
	require.Equal(t, "Primary", first.SchoolType)
	require.Equal(t, "Kakua", first.Chiefdom)
	require.Equal(t, "Sewa Road", first.Section)
	require.Equal(t, "Bo", first.Town)
	require.Equal(t, "7.9639", first.LatitudeRaw)
	require.Equal(t, "-11.7383", first.LongitudeRaw)
	require.Equal(t, "104", first.AltitudeRaw)
	require.Equal(t, stagingrow.ValidationPending, first.ValidationStatus)
	require.Equal(t, stagingrow.MatchNone, first.MatchType)

	require.Equal(t, 3, rows[1].FileRowNumber)
	require.Equal(t, "FCC", rows[1].Council)
}

func TestRowParser_CSV_HeaderSynonymsAndReordering(t *testing.T) {
	path := writeTempFile(t, "schools.csv",
		"EMIS,Name of School,Local Council,District,Region,Type of School,Chiefdom,Section,Town Village,Lat,Long,Alt\n"+
			"1100245,Bo School For Girls,Bo City Council,Bo,Southern,Primary,Kakua,Sewa Road,Bo,7.9,-11.7,104\n")

	rows := collectRows(t, path, FormatCSV)
	require.Len(t, rows, 1)
	require.Equal(t, "1100245", rows[0].EMISCode)
	require.Equal(t, "Bo School For Girls", rows[0].SchoolName)
	require.Equal(t, "Bo City Council", rows[0].Council)
	require.Equal(t, "Bo", rows[0].Town)
	require.Equal(t, "7.9", rows[0].LatitudeRaw)
	require.Equal(t, "104", rows[0].AltitudeRaw)
}

func TestRowParser_CSV_MissingColumns_NamedInError(t *testing.T) {
	path := writeTempFile(t, "schools.csv",
		"School Name,EMIS Code,Region,District,Council,School Type,Section,Town,Latitude,Altitude\n"+
			"Bo School,1100245,Southern,Bo,Bo City Council,Primary,Sewa Road,Bo,7.9,104\n")

	_, err := NewRowParser().Parse(context.Background(), uuid.New(), path, FormatCSV, func(*stagingrow.StagingRow) error {
		return nil
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 1, perr.Row)
	require.Contains(t, perr.Message, "Chiefdom")
	require.Contains(t, perr.Message, "Longitude")
}

func TestRowParser_CSV_BlankRowsSkippedWithoutRenumbering(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n"+
		"Bo School,1100245,Southern,Bo,Bo City Council,Primary,Kakua,Sewa Road,Bo,7.9,-11.7,104\n"+
		",,,,,,,,,,,\n"+
		"Freetown Academy,2200999,Western,Western Area Urban,FCC,JSS,Central,Tower Hill,Freetown,8.5,-13.2,76\n")

	rows := collectRows(t, path, FormatCSV)
	require.Len(t, rows, 2)
	require.Equal(t, 2, rows[0].FileRowNumber)
	require.Equal(t, 4, rows[1].FileRowNumber)
}

func TestRowParser_CSV_EmptyFile_Fails(t *testing.T) {
	path := writeTempFile(t, "schools.csv", "")

	_, err := NewRowParser().Parse(context.Background(), uuid.New(), path, FormatCSV, func(*stagingrow.StagingRow) error {
		return nil
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Message, "no rows")
}

func TestRowParser_CSV_HeaderOnly_Fails(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n")

	_, err := NewRowParser().Parse(context.Background(), uuid.New(), path, FormatCSV, func(*stagingrow.StagingRow) error {
		return nil
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Message, "no data rows")
}

func TestRowParser_CSV_ByteOrderMarkStripped(t *testing.T) {
	path := writeTempFile(t, "schools.csv", "\ufeff"+csvHeader+"\n"+
		"Bo School,1100245,Southern,Bo,Bo City Council,Primary,Kakua,Sewa Road,Bo,7.9,-11.7,104\n")

	rows := collectRows(t, path, FormatCSV)
	require.Len(t, rows, 1)
	require.Equal(t, "Bo School", rows[0].SchoolName)
}

func TestRowParser_CSV_CellWhitespaceTrimmed(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n"+
		"  Bo School ,1100245 ,Southern,Bo,  Bo City Council,Primary,Kakua,Sewa Road,Bo, 7.9 ,-11.7,104\n")

	rows := collectRows(t, path, FormatCSV)
	require.Equal(t, "Bo School", rows[0].SchoolName)
	require.Equal(t, "1100245", rows[0].EMISCode)
	require.Equal(t, "Bo City Council", rows[0].Council)
	require.Equal(t, "7.9", rows[0].LatitudeRaw)
}

func TestRowParser_CSV_MalformedQuoting_ReportsRow(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n"+
		"\"unclosed,1100245,Southern,Bo,Bo City Council,Primary,Kakua,Sewa Road,Bo,7.9,-11.7,104\n")

	_, err := NewRowParser().Parse(context.Background(), uuid.New(), path, FormatCSV, func(*stagingrow.StagingRow) error {
		return nil
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Message, "malformed CSV")
}

func TestRowParser_HandlerError_AbortsParse(t *testing.T) {
	path := writeTempFile(t, "schools.csv", csvHeader+"\n"+
		"Bo School,1100245,Southern,Bo,Bo City Council,Primary,Kakua,Sewa Road,Bo,7.9,-11.7,104\n"+
		"Freetown Academy,2200999,Western,Western Area Urban,FCC,JSS,Central,Tower Hill,Freetown,8.5,-13.2,76\n")

	boom := errors.New("sink full")
	seen := 0
	_, err := NewRowParser().Parse(context.Background(), uuid.New(), path, FormatCSV, func(*stagingrow.StagingRow) error {
		seen++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, seen)
}

func TestRowParser_XLSX_ReadsFirstSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schools.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{
		"School Name", "EMIS Code", "Region", "District", "Council", "School Type",
		"Chiefdom", "Section", "Town", "Latitude", "Longitude", "Altitude",
	}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{
		"Bo School For Girls", "1100245", "Southern", "Bo", "Bo City Council", "Primary",
		"Kakua", "Sewa Road", "Bo", "7.9639", "-11.7383", "104",
	}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	rows := collectRows(t, path, FormatXLSX)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].FileRowNumber)
	require.Equal(t, "Bo School For Girls", rows[0].SchoolName)
	require.Equal(t, "1100245", rows[0].EMISCode)
	require.Equal(t, "-11.7383", rows[0].LongitudeRaw)
}

func TestDetectFormat_ByExtension(t *testing.T) {
	cases := []struct {
		fileName string
		mimeType string
		want     FileFormat
	}{
		{"schools.csv", "text/csv", FormatCSV},
		{"Schools.CSV", "", FormatCSV},
		{"schools.xlsx", "", FormatXLSX},
		{"schools.xls", "application/vnd.ms-excel", FormatXLS},
		// Some browsers upload modern workbooks with a legacy extension.
		{"schools.xls", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", FormatXLSX},
	}
	for _, tc := range cases {
		got, err := DetectFormat(tc.fileName, tc.mimeType)
		require.NoError(t, err, tc.fileName)
		require.Equal(t, tc.want, got, tc.fileName)
	}

	_, err := DetectFormat("schools.txt", "text/plain")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}
