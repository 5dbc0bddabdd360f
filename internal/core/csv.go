package core

// csv.go is the codec between delimited text and header/row tuples.
//
// Parsing strips a UTF-8 BOM, replaces invalid UTF-8 with U+FFFD, accepts CRLF
// or LF line endings and quoted fields spanning delimiters and newlines. A bare
// quote inside an unquoted field (27" monitor) is kept as a literal character.
// A row whose field count differs from the header yields a *MalformedRowError
// and parsing continues; anything that stops tokenization, such as an
// unterminated quoted field, yields a *StructuralParseError and parsing ends.
// Rows with only blank values are ignored but still take a row number.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVRow is one data row. Number is its 1-based position after the header,
// counting skipped blank rows; Line is the physical line the row starts on.
type CSVRow struct {
	Number int
	Line   int
	Values []string
}

// CSVReader streams the data rows of a parsed file.
type CSVReader struct {
	r      *csv.Reader
	data   []byte
	lines  []string
	header []string
	count  int
	err    error
}

// ParseCSV reads the header of data and returns a reader positioned at the
// first data row.
func ParseCSV(data []byte) (*CSVReader, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.ToValidUTF8(data, []byte("\uFFFD"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, structuralError(err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}
	if isEmptyRow(header) {
		return nil, ErrEmptyFile
	}

	return &CSVReader{r: r, data: data, header: header}, nil
}

// Header returns the trimmed header row.
func (c *CSVReader) Header() []string {
	return c.header
}

// Next returns the next data row. It returns io.EOF after the last row.
// A *MalformedRowError still carries the row; a *StructuralParseError is
// final and every later call returns it again.
func (c *CSVReader) Next() (CSVRow, error) {
	if c.err != nil {
		return CSVRow{}, c.err
	}

	record, line, err := c.read()
	for err == nil && isEmptyRow(record) {
		c.count++
		record, line, err = c.read()
	}
	if errors.Is(err, io.EOF) {
		c.err = io.EOF
		return CSVRow{}, io.EOF
	}
	if err != nil {
		c.err = structuralError(err)
		return CSVRow{}, c.err
	}

	c.count++
	row := CSVRow{Number: c.count, Line: line, Values: record}

	if len(record) != len(c.header) {
		return row, &MalformedRowError{Line: line, Expected: len(c.header), Got: len(record)}
	}
	return row, nil
}

// read returns the next record and the line it starts on. A record rejected
// only for a bare quote is re-read from its physical lines with lazy quoting;
// the strict reader has already moved past it.
func (c *CSVReader) read() ([]string, int, error) {
	record, err := c.r.Read()
	if err == nil {
		line, _ := c.r.FieldPos(0)
		return record, line, nil
	}

	var pe *csv.ParseError
	if errors.As(err, &pe) && errors.Is(pe.Err, csv.ErrBareQuote) {
		if record, ok := c.reparse(pe.StartLine, pe.Line); ok {
			return record, pe.StartLine, nil
		}
	}
	return nil, 0, err
}

// reparse reads physical lines from..to (1-based) as exactly one record.
func (c *CSVReader) reparse(from, to int) ([]string, bool) {
	if c.lines == nil {
		c.lines = strings.Split(string(c.data), "\n")
	}
	if from < 1 || from > to || to > len(c.lines) {
		return nil, false
	}

	lr := csv.NewReader(strings.NewReader(strings.Join(c.lines[from-1:to], "\n")))
	lr.LazyQuotes = true
	lr.FieldsPerRecord = -1
	record, err := lr.Read()
	if err != nil {
		return nil, false
	}
	if _, err := lr.Read(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return record, true
}

// Rows iterates the remaining data rows. Iteration stops after a structural error.
func (c *CSVReader) Rows() iter.Seq2[CSVRow, error] {
	return func(yield func(CSVRow, error) bool) {
		for {
			row, err := c.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(row, err) {
				return
			}
			var structural *StructuralParseError
			if errors.As(err, &structural) {
				return
			}
		}
	}
}

// CountCSVRows parses the whole file and returns its header and data row count.
// Malformed rows are counted; a structural error is returned as-is.
func CountCSVRows(data []byte) ([]string, int, error) {
	reader, err := ParseCSV(data)
	if err != nil {
		return nil, 0, err
	}
	n := 0
	for _, err := range reader.Rows() {
		var structural *StructuralParseError
		if errors.As(err, &structural) {
			return reader.Header(), n, err
		}
		n++
	}
	return reader.Header(), n, nil
}

func structuralError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &StructuralParseError{Line: pe.Line, Err: pe.Err}
	}
	return &StructuralParseError{Err: err}
}

// isEmptyRow reports whether every value is blank.
func isEmptyRow(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// CSVWriter serializes rows with RFC 4180 quoting and CRLF line endings.
type CSVWriter struct {
	w    *csv.Writer
	rows int
}

// NewCSVWriter writes header immediately.
func NewCSVWriter(dst io.Writer, header []string) (*CSVWriter, error) {
	w := csv.NewWriter(dst)
	w.UseCRLF = true
	if err := w.Write(header); err != nil {
		return nil, err
	}
	return &CSVWriter{w: w}, nil
}

// Write appends one row.
func (c *CSVWriter) Write(values []string) error {
	if err := c.w.Write(values); err != nil {
		return err
	}
	c.rows++
	return nil
}

// Rows returns the number of data rows written.
func (c *CSVWriter) Rows() int {
	return c.rows
}

// Close flushes buffered output.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

// SerializeCSV renders header and rows into a single buffer.
func SerializeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewCSVWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
