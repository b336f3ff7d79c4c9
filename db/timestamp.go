package db

import (
	"database/sql/driver"
	"time"

	"github.com/teranos/spacerjobs/errors"
)

// TimeFormat is the fixed-width UTC layout used for SQLite timestamp text.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// layouts accepted when reading timestamps back
var parseLayouts = []string{
	TimeFormat,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses any layout the stores have written.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognized timestamp %q", s)
}

// NullTime scans a nullable timestamp from either driver.
type NullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (nt *NullTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		nt.Time, nt.Valid = time.Time{}, false
		return nil
	case time.Time:
		nt.Time, nt.Valid = v.UTC(), true
		return nil
	case string:
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		nt.Time, nt.Valid = t, true
		return nil
	case []byte:
		return nt.Scan(string(v))
	}
	return errors.Newf("cannot scan %T into timestamp", src)
}

// Value implements driver.Valuer using the SQLite text layout.
func (nt NullTime) Value() (driver.Value, error) {
	if !nt.Valid {
		return nil, nil
	}
	return FormatTime(nt.Time), nil
}

// Ptr returns the time as a pointer, nil when not valid.
func (nt NullTime) Ptr() *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
