package caseimport

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

const (
	JobType = "case_import"

	FailureInvalidInput   = "invalid_input"
	FailureInvalidFile    = "invalid_file"
	FailureInvalidSheet   = "invalid_sheet"
	FailureMissingColumns = "missing_columns"

	colStreet     = "street"
	colNumber     = "number"
	colLocalityID = "locality_id"
	colLocality   = "locality"
	colProvince   = "province"
	colCountry    = "country"
)

// header aliases, lowercased
var columnAliases = map[string][]string{
	colStreet:     {"street", "calle"},
	colNumber:     {"number", "numero", "número"},
	colLocalityID: {"locality_id", "localidad_id", "id_localidad"},
	colLocality:   {"locality", "localidad"},
	colProvince:   {"province", "provincia"},
	colCountry:    {"country", "pais", "país"},
}

var requiredColumns = []string{colStreet, colNumber, colLocalityID}

var inputSchema = jobs.NewInputSchema(JobType, map[string]any{
	"type":     "object",
	"required": []string{"file_path", "sheet_name"},
	"properties": map[string]any{
		"file_path":  map[string]any{"type": "string", "minLength": 1},
		"sheet_name": map[string]any{"type": "string", "minLength": 1},
		"header_row": map[string]any{"type": "integer", "minimum": 1},
	},
})

type Input struct {
	FilePath  string `json:"file_path"`
	SheetName string `json:"sheet_name"`
	HeaderRow int    `json:"header_row,omitempty"`
}

type Output struct {
	RowsRead          int `json:"rows_read"`
	RowsSkipped       int `json:"rows_skipped"`
	AddressesCreated  int `json:"addresses_created"`
	AddressesExisting int `json:"addresses_existing"`
}

// Opener opens the uploaded workbook.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Processor imports a sheet of case records and makes sure every referenced address exists
// as a domicilio waiting to be geocoded.
type Processor struct {
	store    store.Store
	progress jobs.ProgressFunc
	files    Opener
}

var (
	_ jobs.Processor          = (*Processor)(nil)
	_ jobs.TempResourceHolder = (*Processor)(nil)
)

func NewProcessor(s store.Store, progress jobs.ProgressFunc, files Opener) *Processor {
	return &Processor{store: s, progress: progress, files: files}
}

// Register adds the case import processor to reg.
func Register(reg *jobs.Registry, files Opener) {
	reg.Register(JobType, func(s store.Store, progress jobs.ProgressFunc) jobs.Processor {
		return NewProcessor(s, progress, files)
	})
}

// RegisterDefault adds the case import processor to the process-wide registry.
func RegisterDefault(files Opener) {
	Register(jobs.Default(), files)
}

// TempResource names the uploaded file, removed once the job is over.
func (p *Processor) TempResource(input map[string]any) string {
	path, _ := input["file_path"].(string)
	return path
}

func (p *Processor) Run(ctx context.Context, raw map[string]any) (*jobs.Result, error) {
	logger := zap.S().Named("case_import")

	input, err := jobs.DecodeInput[Input](inputSchema, raw)
	if err != nil {
		return jobs.Failed(FailureInvalidInput, err.Error(), nil), nil
	}
	if input.HeaderRow == 0 {
		input.HeaderRow = 1
	}

	rows, failure, err := p.readRows(ctx, input)
	if err != nil || failure != nil {
		return failure, err
	}

	header := rows[input.HeaderRow-1]
	colMap := buildColumnMap(header)
	if missing := missingColumns(colMap); len(missing) > 0 {
		return jobs.Failed(FailureMissingColumns,
			fmt.Sprintf("sheet %q lacks columns: %s", input.SheetName, strings.Join(missing, ", ")),
			map[string]any{"missing": missing, "header": header}), nil
	}

	data := rows[input.HeaderRow:]
	out := Output{}
	addresses := make([]model.Address, 0, len(data))
	seen := make(map[string]struct{}, len(data))
	step := max(len(data)/10, 1)

	for i, row := range data {
		out.RowsRead++

		a := model.Address{
			Street:     getColumnValue(row, colMap, colStreet),
			Number:     getColumnValue(row, colMap, colNumber),
			LocalityID: getColumnValue(row, colMap, colLocalityID),
			Locality:   getColumnValue(row, colMap, colLocality),
			Province:   getColumnValue(row, colMap, colProvince),
			Country:    getColumnValue(row, colMap, colCountry),
		}
		if a.Street == "" && a.Number == "" && a.LocalityID == "" {
			out.RowsSkipped++
			continue
		}

		key := strings.Join([]string{a.Street, a.Number, a.LocalityID}, "\x00")
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			addresses = append(addresses, a)
		}

		if (i+1)%step == 0 {
			p.report(ctx, (i+1)*90/len(data), "reading rows", i+1, len(data))
		}
	}

	p.report(ctx, 90, "registering addresses", len(data), len(data))

	for _, a := range addresses {
		_, created, err := p.store.Address().EnsurePending(ctx, a)
		if err != nil {
			return nil, errors.Wrapf(err, "registering address %s %s (%s)", a.Street, a.Number, a.LocalityID)
		}
		if created {
			out.AddressesCreated++
		} else {
			out.AddressesExisting++
		}
	}

	logger.Infow("case sheet imported",
		"file", input.FilePath,
		"sheet", input.SheetName,
		"rows_read", out.RowsRead,
		"rows_skipped", out.RowsSkipped,
		"addresses_created", out.AddressesCreated,
		"addresses_existing", out.AddressesExisting)

	output, err := jobs.EncodeOutput(out)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return jobs.Succeeded(output), nil
}

// readRows returns the sheet rows, or a business failure when the workbook or sheet cannot be used.
func (p *Processor) readRows(ctx context.Context, input Input) ([][]string, *jobs.Result, error) {
	r, err := p.files.Open(ctx, input.FilePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", input.FilePath)
	}
	defer r.Close()

	excelFile, err := excelize.OpenReader(r)
	if err != nil {
		return nil, jobs.Failed(FailureInvalidFile, fmt.Sprintf("file is not a readable workbook: %v", err), nil), nil
	}
	defer excelFile.Close()

	sheets := excelFile.GetSheetList()
	if !slices.Contains(sheets, input.SheetName) {
		return nil, jobs.Failed(FailureInvalidSheet,
			fmt.Sprintf("sheet %q not found", input.SheetName),
			map[string]any{"sheets": sheets}), nil
	}

	rows, err := excelFile.GetRows(input.SheetName)
	if err != nil {
		return nil, jobs.Failed(FailureInvalidSheet, fmt.Sprintf("could not read sheet %q: %v", input.SheetName, err), nil), nil
	}
	if len(rows) < input.HeaderRow {
		return nil, jobs.Failed(FailureInvalidSheet,
			fmt.Sprintf("sheet %q has no header at row %d", input.SheetName, input.HeaderRow), nil), nil
	}
	return rows, nil, nil
}

func (p *Processor) report(ctx context.Context, pct int, step string, done, total int) {
	if p.progress == nil {
		return
	}
	p.progress(ctx, store.ProgressUpdate{
		Percentage:     pct,
		Step:           step,
		CompletedSteps: done,
		TotalSteps:     total,
	})
}

// buildColumnMap maps canonical column names to their index in the header row.
func buildColumnMap(headers []string) map[string]int {
	colMap := make(map[string]int)
	for i, header := range headers {
		key := strings.ToLower(strings.TrimSpace(header))
		for canonical, aliases := range columnAliases {
			if _, found := colMap[canonical]; found {
				continue
			}
			if slices.Contains(aliases, key) {
				colMap[canonical] = i
			}
		}
	}
	return colMap
}

func getColumnValue(row []string, colMap map[string]int, key string) string {
	if idx, exists := colMap[key]; exists && idx < len(row) {
		return strings.TrimSpace(row[idx])
	}
	return ""
}

func missingColumns(colMap map[string]int) []string {
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := colMap[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
