package indexfeed

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/roach88/reajuste/internal/domain"
)

// CSV columns, matched case-insensitively.
var csvColumns = []string{"indice", "ano", "mes", "valor"}

// ParseCSV reads a ';'-separated Windows-1252 export with the columns
// indice;ano;mes;valor. Values use a decimal comma ("0,42").
func ParseCSV(r io.Reader, source string) ([]domain.IndexValue, error) {
	// Spreadsheet exports are Windows-1252, not UTF-8.
	decoded := charmap.Windows1252.NewDecoder().Reader(r)
	df := dataframe.ReadCSV(decoded,
		dataframe.WithDelimiter(';'),
		dataframe.WithLazyQuotes(true),
		dataframe.DetectTypes(false),
	)
	if err := df.Error(); err != nil {
		return nil, fmt.Errorf("parse index csv: %w", err)
	}
	if df.Nrow() == 0 {
		return nil, fmt.Errorf("parse index csv: no rows")
	}

	cols := make(map[string][]string, len(csvColumns))
	for _, name := range df.Names() {
		key := normalizeHeader(name)
		cols[key] = df.Col(name).Records()
	}
	for _, want := range csvColumns {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("parse index csv: missing column %q", want)
		}
	}

	values := make([]domain.IndexValue, 0, df.Nrow())
	for i := 0; i < df.Nrow(); i++ {
		line := i + 2 // header is line 1
		code := domain.IndexCode(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(cols["indice"][i]), "-", "")))
		if !code.Monthly() {
			return nil, fmt.Errorf("parse index csv: line %d: unknown index %q", line, cols["indice"][i])
		}
		year, err := strconv.Atoi(strings.TrimSpace(cols["ano"][i]))
		if err != nil {
			return nil, fmt.Errorf("parse index csv: line %d: year %q", line, cols["ano"][i])
		}
		month, err := strconv.Atoi(strings.TrimSpace(cols["mes"][i]))
		if err != nil || month < 1 || month > 12 {
			return nil, fmt.Errorf("parse index csv: line %d: month %q", line, cols["mes"][i])
		}
		pct, err := parseDecimalComma(cols["valor"][i])
		if err != nil {
			return nil, fmt.Errorf("parse index csv: line %d: value %q", line, cols["valor"][i])
		}
		values = append(values, domain.IndexValue{Code: code, Year: year, Month: month, Percent: pct, Source: source})
	}
	return values, nil
}

// ImportCSV parses r and upserts every row into s.
func ImportCSV(ctx context.Context, s IndexStore, r io.Reader, source string) (ImportResult, error) {
	values, err := ParseCSV(r, source)
	if err != nil {
		return ImportResult{}, err
	}
	return upsertAll(ctx, s, values)
}

var headerReplacer = strings.NewReplacer("í", "i", "ê", "e")

func normalizeHeader(h string) string {
	return headerReplacer.Replace(strings.ToLower(strings.TrimSpace(h)))
}

// parseDecimalComma accepts "1.234,56" and "0,42" as well as "0.42".
func parseDecimalComma(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return decimal.NewFromString(s)
}
