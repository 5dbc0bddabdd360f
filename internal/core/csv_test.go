package core

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

// ===== Parse Tests =====

func readAll(t *testing.T, data string) ([]string, []CSVRow, []error) {
	t.Helper()
	reader, err := ParseCSV([]byte(data))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	var rows []CSVRow
	var errs []error
	for row, err := range reader.Rows() {
		rows = append(rows, row)
		errs = append(errs, err)
	}
	return reader.Header(), rows, errs
}

func TestParseCSV_BOMAndCRLF(t *testing.T) {
	header, rows, errs := readAll(t, "\xEF\xBB\xBFsku, name \r\nA-1,Widget\r\nA-2,Gadget\r\n")

	if !reflect.DeepEqual(header, []string{"sku", "name"}) {
		t.Errorf("header = %q, want [sku name]", header)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("row %d error = %v", i+1, err)
		}
	}
	if rows[1].Number != 2 || rows[1].Values[1] != "Gadget" {
		t.Errorf("rows[1] = %+v", rows[1])
	}
}

func TestParseCSV_QuotedFields(t *testing.T) {
	data := "sku,description\n\"A,1\",\"two\nlines with \"\"quotes\"\"\"\nB-2,plain\n"
	_, rows, errs := readAll(t, data)

	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if errs[0] != nil {
		t.Fatalf("row 1 error = %v", errs[0])
	}
	if rows[0].Values[0] != "A,1" {
		t.Errorf("sku = %q, want %q", rows[0].Values[0], "A,1")
	}
	if rows[0].Values[1] != "two\nlines with \"quotes\"" {
		t.Errorf("description = %q", rows[0].Values[1])
	}
	if rows[1].Line != 4 {
		t.Errorf("second row line = %d, want 4", rows[1].Line)
	}
}

func TestParseCSV_FieldCountMismatchIsRowScoped(t *testing.T) {
	_, rows, errs := readAll(t, "a,b,c\n1,2,3\n4,5\n6,7,8\n")

	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (parsing must continue)", len(rows))
	}
	var malformed *MalformedRowError
	if !errors.As(errs[1], &malformed) {
		t.Fatalf("row 2 error = %v, want MalformedRowError", errs[1])
	}
	if malformed.Expected != 3 || malformed.Got != 2 || malformed.Line != 3 {
		t.Errorf("malformed = %+v", malformed)
	}
	if errs[2] != nil {
		t.Errorf("row 3 error = %v, want nil", errs[2])
	}
}

func TestParseCSV_SkipsBlankRows(t *testing.T) {
	_, rows, _ := readAll(t, "a,b\n1,2\n,\n\n3,4\n")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1].Number != 3 {
		t.Errorf("row number = %d, want 3 (blank row keeps its position)", rows[1].Number)
	}
	if rows[1].Line != 5 {
		t.Errorf("row line = %d, want 5", rows[1].Line)
	}
}

func TestParseCSV_BareQuoteKeptLiterally(t *testing.T) {
	tests := []struct {
		name string
		data string
		row  int
		want []string
		line int
	}{
		{"inch mark", "code,name\nA,Alpha\nB,27\" monitor\nC,Gamma\n", 1, []string{"B", `27" monitor`}, 3},
		{"crlf", "code,name\r\nB,x\"y\r\nC,Gamma\r\n", 0, []string{"B", `x"y`}, 2},
		{"after quoted multiline field", "code,name\n\"B\nb\",x\"y\nC,Gamma\n", 0, []string{"B\nb", `x"y`}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rows, errs := readAll(t, tt.data)
			for i, err := range errs {
				if err != nil {
					t.Fatalf("row %d error = %v", i+1, err)
				}
			}
			if len(rows) != tt.row+2 {
				t.Fatalf("rows = %d, want %d (parsing must continue)", len(rows), tt.row+2)
			}
			got := rows[tt.row]
			if !reflect.DeepEqual(got.Values, tt.want) {
				t.Errorf("values = %q, want %q", got.Values, tt.want)
			}
			if got.Line != tt.line {
				t.Errorf("line = %d, want %d", got.Line, tt.line)
			}
			if last := rows[len(rows)-1]; last.Values[0] != "C" {
				t.Errorf("last row = %q, want C", last.Values)
			}
		})
	}
}

func TestParseCSV_StructuralError(t *testing.T) {
	reader, err := ParseCSV([]byte("a,b\n1,2\n3,\"x\"y\n5,6\n"))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}

	if _, err := reader.Next(); err != nil {
		t.Fatalf("first row error = %v", err)
	}
	_, err = reader.Next()
	var structural *StructuralParseError
	if !errors.As(err, &structural) {
		t.Fatalf("second row error = %v, want StructuralParseError", err)
	}
	if _, again := reader.Next(); again != err {
		t.Errorf("Next after structural error = %v, want same error", again)
	}
}

func TestParseCSV_Empty(t *testing.T) {
	for _, data := range []string{"", "\xEF\xBB\xBF", " , \n"} {
		if _, err := ParseCSV([]byte(data)); !errors.Is(err, ErrEmptyFile) {
			t.Errorf("ParseCSV(%q) error = %v, want ErrEmptyFile", data, err)
		}
	}
}

func TestParseCSV_InvalidUTF8(t *testing.T) {
	_, rows, _ := readAll(t, "name\nbad\xffbyte\n")
	if rows[0].Values[0] != "bad�byte" {
		t.Errorf("value = %q", rows[0].Values[0])
	}
}

func TestCountCSVRows(t *testing.T) {
	header, n, err := CountCSVRows([]byte("a,b\n1,2\n3\n4,5\n"))
	if err != nil {
		t.Fatalf("CountCSVRows() error = %v", err)
	}
	if n != 3 || len(header) != 2 {
		t.Errorf("CountCSVRows() = %v, %d", header, n)
	}

	_, _, err = CountCSVRows([]byte("a\n\"unterminated\nb\"c\n"))
	var structural *StructuralParseError
	if !errors.As(err, &structural) {
		t.Errorf("CountCSVRows() error = %v, want StructuralParseError", err)
	}
}

// ===== Serialize Tests =====

func TestSerializeCSV_Quoting(t *testing.T) {
	out, err := SerializeCSV(
		[]string{"sku", "note"},
		[][]string{
			{"A-1", "plain"},
			{"A,2", `say "hi"`},
			{"A-3", "line\nbreak"},
		},
	)
	if err != nil {
		t.Fatalf("SerializeCSV() error = %v", err)
	}

	want := "sku,note\r\nA-1,plain\r\n\"A,2\",\"say \"\"hi\"\"\"\r\nA-3,\"line\r\nbreak\"\r\n"
	if string(out) != want {
		t.Errorf("SerializeCSV() =\n%q\nwant\n%q", out, want)
	}
}

func TestSerializeCSV_RoundTrip(t *testing.T) {
	rows := [][]string{{"x,y", "1"}, {"q\"q", ""}}
	out, err := SerializeCSV([]string{"a", "b"}, rows)
	if err != nil {
		t.Fatal(err)
	}
	reader, err := ParseCSV(out)
	if err != nil {
		t.Fatal(err)
	}
	for i := range rows {
		row, err := reader.Next()
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if !reflect.DeepEqual(row.Values, rows[i]) {
			t.Errorf("row %d = %q, want %q", i, row.Values, rows[i])
		}
	}
	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestCSVWriter_Rows(t *testing.T) {
	var b strings.Builder
	w, err := NewCSVWriter(&b, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write([]string{"v"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3", w.Rows())
	}
}
