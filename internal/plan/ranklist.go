package plan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Rank-list defaults for columns the tiling text does not carry.
const (
	RankListFilter   = "R"
	RankListExposure = 120.0
)

// rankListColumns is the column layout of a tiling rank list: rank, field
// id, position, weight and the tile's suggested date and time.
var rankListColumns = []string{"rank_id", "id", "ra", "dec", "weight", "date", "time"}

// ReadRankList parses a tiling rank list. The first line is a header and is
// skipped. Every field gets filter and exposure from the arguments and a
// repeat count of 1; the rank, date and time columns are dropped.
func ReadRankList(r io.Reader, filter string, exposure float64) (FieldSet, error) {
	scanner := bufio.NewScanner(r)

	var fields []Field
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo == 1 {
			continue
		}
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) < len(rankListColumns) {
			return FieldSet{}, fmt.Errorf("line %d: got %d columns, want %d", lineNo, len(tokens), len(rankListColumns))
		}

		f := Field{Filter: filter, ExposureTime: exposure, Repeat: 1}
		var err error
		if f.ID, err = parseID(tokens[1]); err != nil {
			return FieldSet{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		for i, dst := range []*float64{&f.RA, &f.Dec, &f.Weight} {
			v, err := strconv.ParseFloat(tokens[2+i], 64)
			if err != nil {
				return FieldSet{}, fmt.Errorf("line %d: %s %q: %w", lineNo, rankListColumns[2+i], tokens[2+i], err)
			}
			*dst = v
		}
		f.RA = normalizeRA(f.RA)
		if err := f.Validate(); err != nil {
			return FieldSet{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		fields = append(fields, f)
	}
	if err := scanner.Err(); err != nil {
		return FieldSet{}, err
	}
	if len(fields) == 0 {
		return FieldSet{}, fmt.Errorf("empty rank list")
	}
	return FieldSet{fields: fields}, nil
}
