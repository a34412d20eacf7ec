package labimport

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encodings reported by DetectEncoding.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF8BOM     = "utf-8-sig"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
)

// ColumnType is the inferred type of a CSV column.
type ColumnType string

const (
	ColumnNumeric  ColumnType = "numeric"
	ColumnEmail    ColumnType = "email"
	ColumnDatetime ColumnType = "datetime"
	ColumnText     ColumnType = "text"
	ColumnUnknown  ColumnType = "unknown"
)

// Required header names, in the order they are reported.
const (
	FieldPatientEmail  = "patient_email"
	FieldTestType      = "test_type"
	FieldMeasuredValue = "measured_value"
	FieldUnit          = "unit"
	FieldMeasuredAt    = "measured_at"
)

var RequiredHeaders = []string{FieldPatientEmail, FieldTestType, FieldMeasuredValue, FieldUnit, FieldMeasuredAt}

// Candidate delimiters in preference order.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

const (
	delimiterSampleLines = 5
	typeSampleRows       = 5
	largeFileLines       = 1000
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}

	numericRe    = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	emailRe      = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Analysis is the structural report for one file. It is not modified after
// Analyze returns.
type Analysis struct {
	Encoding          string                `json:"encoding"`
	Delimiter         string                `json:"delimiter"`
	DelimiterDetected bool                  `json:"delimiter_detected"`
	Headers           []string              `json:"headers"`
	ColumnTypes       map[string]ColumnType `json:"column_types"`
	LineCount         int                   `json:"line_count"`
	DataRows          int                   `json:"data_rows"`
	SampleRows        []map[string]string   `json:"sample_rows"`
	ContentHash       string                `json:"content_hash"`
	ValidationErrors  []string              `json:"validation_errors"`
	Recommendations   []string              `json:"recommendations"`
	ValidForImport    bool                  `json:"valid_for_import"`

	text string
}

// Text returns the decoded file content.
func (a *Analysis) Text() string { return a.text }

// Comma returns the delimiter as a rune for encoding/csv.
func (a *Analysis) Comma() rune {
	r, _ := utf8.DecodeRuneInString(a.Delimiter)
	if r == utf8.RuneError {
		return ','
	}
	return r
}

// Analyze inspects raw bytes and reports their structure. It never fails:
// problems are returned as ValidationErrors.
func Analyze(raw []byte) *Analysis {
	sum := sha256.Sum256(raw)
	a := &Analysis{
		Encoding:         DetectEncoding(raw),
		Headers:          []string{},
		ColumnTypes:      map[string]ColumnType{},
		SampleRows:       []map[string]string{},
		ContentHash:      hex.EncodeToString(sum[:]),
		ValidationErrors: []string{},
		Recommendations:  []string{},
	}

	text, err := Decode(raw, a.Encoding)
	if err != nil {
		a.ValidationErrors = append(a.ValidationErrors, fmt.Sprintf("Could not decode file as %s: %v", a.Encoding, err))
		return a
	}
	a.text = text

	lines := nonEmptyLines(text)
	a.LineCount = len(lines)

	delim, detected := DetectDelimiter(lines)
	a.Delimiter = string(delim)
	a.DelimiterDetected = detected

	if len(lines) > 0 {
		a.Headers = DetectHeaders(lines[0], delim)
	}

	rows, parseErr := ParseRows(a, text)
	if parseErr == nil {
		a.DataRows = len(rows)
		for i := 0; i < len(rows) && i < typeSampleRows; i++ {
			a.SampleRows = append(a.SampleRows, rows[i].Fields)
		}
		for _, h := range a.Headers {
			values := make([]string, 0, len(a.SampleRows))
			for _, r := range a.SampleRows {
				values = append(values, r[h])
			}
			a.ColumnTypes[h] = InferColumnType(values)
		}
	}

	a.ValidationErrors = ValidateStructure(a.Headers, a.LineCount, detected)
	if parseErr != nil {
		a.ValidationErrors = append(a.ValidationErrors, parseErr.Error())
	}
	a.Recommendations = Recommendations(a.LineCount, delim)
	a.ValidForImport = len(a.ValidationErrors) == 0
	return a
}

// DetectEncoding guesses the text encoding of raw from its byte order mark,
// falling back to windows-1252 when the bytes are not valid UTF-8.
func DetectEncoding(raw []byte) string {
	switch {
	case bytes.HasPrefix(raw, utf8BOM):
		return EncodingUTF8BOM
	case bytes.HasPrefix(raw, utf16LEBOM):
		return EncodingUTF16LE
	case bytes.HasPrefix(raw, utf16BEBOM):
		return EncodingUTF16BE
	case utf8.Valid(raw):
		return EncodingUTF8
	default:
		return EncodingWindows1252
	}
}

func decoderFor(enc string) (encoding.Encoding, error) {
	switch enc {
	case EncodingUTF8, EncodingUTF8BOM:
		return unicode.UTF8BOM, nil
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), nil
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), nil
	case EncodingWindows1252:
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

// Decode converts raw to UTF-8 text, dropping any byte order mark.
func Decode(raw []byte, enc string) (string, error) {
	e, err := decoderFor(enc)
	if err != nil {
		return "", err
	}
	out, _, err := transform.Bytes(e.NewDecoder(), raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func nonEmptyLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// DetectDelimiter picks the candidate whose count is the same non-zero
// number on each of the first five lines. Comma wins ties. When no candidate
// is consistent it returns comma and false.
func DetectDelimiter(lines []string) (rune, bool) {
	sample := lines
	if len(sample) > delimiterSampleLines {
		sample = sample[:delimiterSampleLines]
	}
	if len(sample) == 0 {
		return ',', false
	}
	for _, cand := range delimiterCandidates {
		want := strings.Count(sample[0], string(cand))
		if want == 0 {
			continue
		}
		consistent := true
		for _, l := range sample[1:] {
			if strings.Count(l, string(cand)) != want {
				consistent = false
				break
			}
		}
		if consistent {
			return cand, true
		}
	}
	return ',', false
}

// NormalizeHeader trims and lowercases h and joins internal whitespace runs
// with underscores.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return whitespaceRe.ReplaceAllString(h, "_")
}

// DetectHeaders parses the header line with delim and normalizes each name.
func DetectHeaders(line string, delim rune) []string {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		fields = strings.Split(line, string(delim))
	}
	headers := make([]string, 0, len(fields))
	for _, f := range fields {
		headers = append(headers, NormalizeHeader(f))
	}
	return headers
}

// InferColumnType classifies sample values. A blank value matches no type.
func InferColumnType(values []string) ColumnType {
	if len(values) == 0 {
		return ColumnUnknown
	}
	if len(values) > typeSampleRows {
		values = values[:typeSampleRows]
	}
	if allMatch(values, numericRe.MatchString) {
		return ColumnNumeric
	}
	if allMatch(values, emailRe.MatchString) {
		return ColumnEmail
	}
	if allMatch(values, isDatetimeLiteral) {
		return ColumnDatetime
	}
	return ColumnText
}

// isDatetimeLiteral accepts exactly what the import accepts for measured_at.
func isDatetimeLiteral(v string) bool {
	_, err := ParseMeasuredAt(v)
	return err == nil
}

func allMatch(values []string, match func(string) bool) bool {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || !match(v) {
			return false
		}
	}
	return true
}

// ValidateStructure returns every structural problem found, in a stable
// order.
func ValidateStructure(headers []string, lineCount int, delimiterDetected bool) []string {
	errs := []string{}
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	var missing []string
	for _, req := range RequiredHeaders {
		if !present[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, "Missing required headers: "+strings.Join(missing, ", "))
	}
	if lineCount < 2 {
		errs = append(errs, fmt.Sprintf("File must have at least one data row (found %d lines)", lineCount))
	} else if !delimiterDetected {
		errs = append(errs, "Could not detect a consistent delimiter")
	}
	return errs
}

// Recommendations returns advisory notes that never block an import.
func Recommendations(lineCount int, delim rune) []string {
	recs := []string{}
	if lineCount > largeFileLines {
		recs = append(recs, fmt.Sprintf("File has %d lines: consider splitting the file into smaller uploads", lineCount))
	}
	if delim != ',' {
		recs = append(recs, fmt.Sprintf("File uses %q as delimiter: ensure standard comma separation", string(delim)))
	}
	return recs
}

// ParseRows reads the data rows of text using the analysis delimiter and
// headers. The header is the first non-blank record, as in Analyze. Fully
// blank lines are skipped. Short rows are padded with blanks
// so that per-row validation reports the missing fields.
func ParseRows(a *Analysis, text string) ([]Row, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = a.Comma()
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var rows []Row
	header := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Could not parse CSV: %v", err)
		}
		if blankRecord(rec) {
			continue
		}
		if header {
			header = false
			continue
		}
		fields := make(map[string]string, len(a.Headers))
		for i, h := range a.Headers {
			if i < len(rec) {
				fields[h] = strings.TrimSpace(rec[i])
			} else {
				fields[h] = ""
			}
		}
		rows = append(rows, Row{Number: len(rows) + 1, Fields: fields})
	}
	return rows, nil
}

func blankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
