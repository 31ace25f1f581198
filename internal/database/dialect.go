package database

import (
	"fmt"
	"regexp"
	"time"
)

// sqliteTimeFormat is fixed width so lexical order matches time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000Z"

var placeholderRE = regexp.MustCompile(`\$\d+`)

// dialect papers over the few differences between the two drivers. Queries
// are written with postgres placeholders, each used once and in order.
type dialect struct {
	driver string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres, "":
		return dialect{driver: DriverPostgres}, nil
	case DriverSQLite:
		return dialect{driver: DriverSQLite}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// q rewrites $n placeholders for drivers that only take "?".
func (d dialect) q(query string) string {
	if d.driver == DriverSQLite {
		return placeholderRE.ReplaceAllString(query, "?")
	}
	return query
}

// timeArg converts a time into the driver's storage form.
func (d dialect) timeArg(t time.Time) any {
	if d.driver == DriverSQLite {
		return t.UTC().Format(sqliteTimeFormat)
	}
	return t.UTC()
}

// scanTime accepts whatever a driver returns for a timestamp column or
// aggregate: time.Time from postgres, text from sqlite.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}

var timeLayouts = []string{
	sqliteTimeFormat,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
