package convert

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gosimple/slug"
	"github.com/ncruces/go-strftime"

	"github.com/openspending/cube/cube/pkg/model"
)

var (
	errEmptyNumber = errors.New("not a number")

	// Layouts tried in order when a date attribute declares no format.
	dateLayouts = []string{
		"2006-01-02",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02",
		"02.01.2006",
		"02/01/2006",
		"2006-01",
		"2006",
	}
)

// value converts one raw cell to its datatype. An empty cell yields nil.
func value(datatype, format, raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch datatype {
	case model.DatatypeFloat:
		return parseFloat(s)
	case model.DatatypeDate:
		return parseDate(s, format)
	case model.DatatypeID:
		return slug.Make(s), nil
	default:
		return s, nil
	}
}

func parseFloat(s string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return 0, errEmptyNumber
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func parseDate(s, format string) (time.Time, error) {
	if format != "" {
		layout, err := strftime.Layout(format)
		if err != nil {
			return time.Time{}, fmt.Errorf("unsupported date format %q: %w", format, err)
		}
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("date %q does not match format %q", s, format)
		}
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
