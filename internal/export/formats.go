package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/kiranshivaraju/docbatch/pkg/models"
	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// rowWriter serializes pages of items. Close must be called to finish the output.
type rowWriter interface {
	WritePage(items []*models.Item) error
	Close() error
}

func newRowWriter(format string, w io.Writer, includeMetadata bool) (rowWriter, error) {
	switch format {
	case models.ExportFormatJSONL:
		return newJSONLWriter(w, includeMetadata), nil
	case models.ExportFormatCSV:
		return &csvWriter{w: csv.NewWriter(w), includeMetadata: includeMetadata}, nil
	case models.ExportFormatParquet:
		return newParquetWriter(w, includeMetadata), nil
	case models.ExportFormatXLSX:
		return newXLSXWriter(w, includeMetadata)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// --- jsonl ---

type record struct {
	ItemID       string         `json:"item_id"`
	JobID        string         `json:"job_id"`
	PayloadRef   string         `json:"payload_ref"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    *string        `json:"last_error,omitempty"`
	ProcessingMs *int64         `json:"processing_ms,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Result       map[string]any `json:"result"`
	Metadata     any            `json:"metadata,omitempty"`
}

func recordOf(it *models.Item, includeMetadata bool) record {
	r := record{
		ItemID:       it.ID.String(),
		JobID:        it.JobID.String(),
		PayloadRef:   it.PayloadRef,
		Status:       it.Status,
		AttemptCount: it.AttemptCount,
		LastError:    it.LastError,
		ProcessingMs: it.ProcessingMs,
		FinishedAt:   it.FinishedAt,
		Result:       it.Result,
	}
	if includeMetadata {
		r.Metadata = orEmpty(it.Metadata)
	}
	return r
}

type jsonlWriter struct {
	buf             *bufio.Writer
	enc             *json.Encoder
	includeMetadata bool
}

func newJSONLWriter(w io.Writer, includeMetadata bool) *jsonlWriter {
	buf := bufio.NewWriter(w)
	return &jsonlWriter{buf: buf, enc: json.NewEncoder(buf), includeMetadata: includeMetadata}
}

func (j *jsonlWriter) WritePage(items []*models.Item) error {
	for _, it := range items {
		if err := j.enc.Encode(recordOf(it, j.includeMetadata)); err != nil {
			return err
		}
	}
	return j.buf.Flush()
}

func (j *jsonlWriter) Close() error { return j.buf.Flush() }

// --- tabular (csv, xlsx) ---

var fixedColumns = []string{
	"item_id", "payload_ref", "status", "attempt_count", "last_error", "processing_ms", "finished_at",
}

// header is the tabular column layout. Result and metadata columns are the union
// of flattened keys on the first page; keys first seen later are not exported.
type header struct {
	result   []string
	metadata []string
}

func headerOf(items []*models.Item, includeMetadata bool) header {
	resultKeys := map[string]bool{}
	metaKeys := map[string]bool{}
	for _, it := range items {
		for k := range flatten(it.Result) {
			resultKeys[k] = true
		}
		if includeMetadata {
			for k := range flatten(it.Metadata) {
				metaKeys[k] = true
			}
		}
	}
	return header{result: sortedKeys(resultKeys), metadata: sortedKeys(metaKeys)}
}

func (h header) names() []string {
	out := append([]string{}, fixedColumns...)
	for _, k := range h.result {
		out = append(out, "result."+k)
	}
	for _, k := range h.metadata {
		out = append(out, "metadata."+k)
	}
	return out
}

// values returns one row of cell values. Missing fields are nil.
func (h header) values(it *models.Item) []any {
	row := make([]any, 0, len(fixedColumns)+len(h.result)+len(h.metadata))
	var lastErr, ms, finished any
	if it.LastError != nil {
		lastErr = *it.LastError
	}
	if it.ProcessingMs != nil {
		ms = *it.ProcessingMs
	}
	if it.FinishedAt != nil {
		finished = it.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	row = append(row, it.ID.String(), it.PayloadRef, it.Status, it.AttemptCount, lastErr, ms, finished)

	result := flatten(it.Result)
	for _, k := range h.result {
		row = append(row, result[k])
	}
	if len(h.metadata) > 0 {
		meta := flatten(it.Metadata)
		for _, k := range h.metadata {
			row = append(row, meta[k])
		}
	}
	return row
}

// flatten turns nested maps into dotted keys. Scalars are kept; lists and other
// composite values become JSON text.
func flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto("", m, out)
	return out
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenInto(key, val, out)
		case nil, string, bool, float64, float32, int, int64, int32, json.Number:
			out[key] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[key] = fmt.Sprint(val)
				continue
			}
			out[key] = string(b)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

type csvWriter struct {
	w               *csv.Writer
	includeMetadata bool
	hdr             *header
}

func (c *csvWriter) writeHeader(items []*models.Item) error {
	h := headerOf(items, c.includeMetadata)
	c.hdr = &h
	return c.w.Write(h.names())
}

func (c *csvWriter) WritePage(items []*models.Item) error {
	if c.hdr == nil {
		if err := c.writeHeader(items); err != nil {
			return err
		}
	}
	record := make([]string, 0, len(fixedColumns))
	for _, it := range items {
		record = record[:0]
		for _, v := range c.hdr.values(it) {
			record = append(record, cellString(v))
		}
		if err := c.w.Write(record); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	if c.hdr == nil {
		if err := c.writeHeader(nil); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

const xlsxSheet = "Results"

type xlsxWriter struct {
	out             io.Writer
	file            *excelize.File
	sw              *excelize.StreamWriter
	includeMetadata bool
	hdr             *header
	row             int
}

func newXLSXWriter(w io.Writer, includeMetadata bool) (*xlsxWriter, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		f.Close()
		return nil, err
	}
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &xlsxWriter{out: w, file: f, sw: sw, includeMetadata: includeMetadata}, nil
}

func (x *xlsxWriter) setRow(values []any) error {
	x.row++
	cell, err := excelize.CoordinatesToCellName(1, x.row)
	if err != nil {
		return err
	}
	return x.sw.SetRow(cell, values)
}

func (x *xlsxWriter) writeHeader(items []*models.Item) error {
	h := headerOf(items, x.includeMetadata)
	x.hdr = &h
	names := h.names()
	cells := make([]any, len(names))
	for i, n := range names {
		cells[i] = n
	}
	return x.setRow(cells)
}

func (x *xlsxWriter) WritePage(items []*models.Item) error {
	if x.hdr == nil {
		if err := x.writeHeader(items); err != nil {
			return err
		}
	}
	for _, it := range items {
		if err := x.setRow(x.hdr.values(it)); err != nil {
			return err
		}
	}
	return nil
}

func (x *xlsxWriter) Close() error {
	defer x.file.Close()
	if x.hdr == nil {
		if err := x.writeHeader(nil); err != nil {
			return err
		}
	}
	if err := x.sw.Flush(); err != nil {
		return err
	}
	_, err := x.file.WriteTo(x.out)
	return err
}

// --- parquet ---

// parquetBatchRows is the number of rows written before a row group is flushed.
const parquetBatchRows = 1000

// parquetRow stores result and metadata as JSON text: their shape varies per item.
type parquetRow struct {
	ItemID       string  `parquet:"item_id"`
	JobID        string  `parquet:"job_id"`
	PayloadRef   string  `parquet:"payload_ref"`
	Status       string  `parquet:"status"`
	AttemptCount int64   `parquet:"attempt_count"`
	LastError    *string `parquet:"last_error,optional"`
	ProcessingMs *int64  `parquet:"processing_ms,optional"`
	FinishedAt   *string `parquet:"finished_at,optional"`
	Result       string  `parquet:"result"`
	Metadata     *string `parquet:"metadata,optional"`
}

type parquetWriter struct {
	w               *parquet.GenericWriter[parquetRow]
	includeMetadata bool
	buffered        int
}

func newParquetWriter(w io.Writer, includeMetadata bool) *parquetWriter {
	return &parquetWriter{
		w:               parquet.NewGenericWriter[parquetRow](w),
		includeMetadata: includeMetadata,
	}
}

func (p *parquetWriter) WritePage(items []*models.Item) error {
	rows := make([]parquetRow, 0, len(items))
	for _, it := range items {
		row, err := p.rowOf(it)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	for len(rows) > 0 {
		n := min(len(rows), parquetBatchRows-p.buffered)
		if _, err := p.w.Write(rows[:n]); err != nil {
			return err
		}
		rows = rows[n:]
		p.buffered += n
		if p.buffered == parquetBatchRows {
			if err := p.w.Flush(); err != nil {
				return err
			}
			p.buffered = 0
		}
	}
	return nil
}

func (p *parquetWriter) rowOf(it *models.Item) (parquetRow, error) {
	result, err := json.Marshal(orEmpty(it.Result))
	if err != nil {
		return parquetRow{}, fmt.Errorf("encoding result of item %s: %w", it.ID, err)
	}
	row := parquetRow{
		ItemID:       it.ID.String(),
		JobID:        it.JobID.String(),
		PayloadRef:   it.PayloadRef,
		Status:       it.Status,
		AttemptCount: int64(it.AttemptCount),
		LastError:    it.LastError,
		ProcessingMs: it.ProcessingMs,
		Result:       string(result),
	}
	if it.FinishedAt != nil {
		s := it.FinishedAt.UTC().Format(time.RFC3339Nano)
		row.FinishedAt = &s
	}
	if p.includeMetadata {
		meta, err := json.Marshal(orEmpty(it.Metadata))
		if err != nil {
			return parquetRow{}, fmt.Errorf("encoding metadata of item %s: %w", it.ID, err)
		}
		s := string(meta)
		row.Metadata = &s
	}
	return row, nil
}

func (p *parquetWriter) Close() error {
	return p.w.Close()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
