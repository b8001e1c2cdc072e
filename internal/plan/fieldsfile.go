package plan

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Columns is the column layout of a .fields file. The telescope side reads
// these by name; renaming or reordering them breaks it.
var Columns = []string{"id", "ra", "dec", "weight", "filt", "exposure_time", "repeat"}

// WriteFields writes s in commented-header table form: a "# col col ..."
// header line followed by one whitespace-separated row per field.
func WriteFields(w io.Writer, s FieldSet) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "# %s\n", strings.Join(Columns, " ")); err != nil {
		return err
	}
	for _, f := range s.fields {
		row := []string{
			strconv.FormatInt(f.ID, 10),
			formatFloat(f.RA),
			formatFloat(f.Dec),
			formatFloat(f.Weight),
			quoteToken(f.Filter),
			formatFloat(f.ExposureTime),
			strconv.Itoa(f.Repeat),
		}
		if _, err := fmt.Fprintln(bw, strings.Join(row, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFields parses a .fields table. Files written before the repeat column
// existed are accepted with a repeat count of 1.
func ReadFields(r io.Reader) (FieldSet, error) {
	scanner := bufio.NewScanner(r)

	var header map[string]int
	var fields []Field
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header == nil {
			if !strings.HasPrefix(line, "#") {
				return FieldSet{}, fmt.Errorf("line %d: missing commented header", lineNo)
			}
			cols, err := splitTokens(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			if err != nil {
				return FieldSet{}, fmt.Errorf("line %d: %w", lineNo, err)
			}
			header = make(map[string]int, len(cols))
			for i, c := range cols {
				header[c] = i
			}
			for _, req := range []string{"id", "ra", "dec", "weight"} {
				if _, ok := header[req]; !ok {
					return FieldSet{}, fmt.Errorf("header lacks column %q", req)
				}
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		tokens, err := splitTokens(line)
		if err != nil {
			return FieldSet{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(tokens) != len(header) {
			return FieldSet{}, fmt.Errorf("line %d: %d values for %d columns", lineNo, len(tokens), len(header))
		}

		f, err := parseRow(tokens, header)
		if err != nil {
			return FieldSet{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		fields = append(fields, f)
	}
	if err := scanner.Err(); err != nil {
		return FieldSet{}, fmt.Errorf("reading fields: %w", err)
	}
	if header == nil {
		return FieldSet{}, fmt.Errorf("empty fields table")
	}
	return FieldSet{fields: fields}, nil
}

func parseRow(tokens []string, header map[string]int) (Field, error) {
	f := Field{Repeat: 1}
	var err error

	if f.ID, err = parseID(tokens[header["id"]]); err != nil {
		return f, err
	}
	if f.RA, err = parseColumn(tokens, header, "ra"); err != nil {
		return f, err
	}
	if f.Dec, err = parseColumn(tokens, header, "dec"); err != nil {
		return f, err
	}
	if f.Weight, err = parseColumn(tokens, header, "weight"); err != nil {
		return f, err
	}
	if i, ok := header["filt"]; ok {
		f.Filter = tokens[i]
	}
	if _, ok := header["exposure_time"]; ok {
		if f.ExposureTime, err = parseColumn(tokens, header, "exposure_time"); err != nil {
			return f, err
		}
	}
	if i, ok := header["repeat"]; ok {
		n, err := strconv.Atoi(tokens[i])
		if err != nil {
			return f, fmt.Errorf("repeat %q: %w", tokens[i], err)
		}
		f.Repeat = n
	}
	return f, nil
}

func parseColumn(tokens []string, header map[string]int, name string) (float64, error) {
	v, err := strconv.ParseFloat(tokens[header[name]], 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, tokens[header[name]], err)
	}
	return v, nil
}

// parseID accepts integral float spellings ("12.0") written by older tools.
func parseID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) {
		return 0, fmt.Errorf("id %q is not an integer", s)
	}
	return int64(v), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quoteToken(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// splitTokens splits on whitespace, honouring double-quoted tokens with ""
// as an escaped quote.
func splitTokens(line string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if c != '"' {
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' {
				j++
			}
			tokens = append(tokens, line[i:j])
			i = j
			continue
		}

		var sb strings.Builder
		i++
		closed := false
		for i < len(line) {
			if line[i] == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					sb.WriteByte('"')
					i += 2
					continue
				}
				i++
				closed = true
				break
			}
			sb.WriteByte(line[i])
			i++
		}
		if !closed {
			return nil, fmt.Errorf("unterminated quoted value")
		}
		tokens = append(tokens, sb.String())
	}
	return tokens, nil
}
