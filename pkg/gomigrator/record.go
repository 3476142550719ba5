package gomigrator

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lockRowID is the id of the single row acting as the mutex.
const lockRowID = 1

// LockRecord is one row of the lock table.
type LockRecord struct {
	ID        int64
	Locked    bool
	GrantedAt *time.Time
	LockedBy  string
}

var ErrInvalidLockRow = errors.New("invalid lock row")

// RawRow is a result row keyed by column name.
type RawRow map[string]any

// grantedAt layouts SQLite may hand back for a DATETIME column stored as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// scanRawRows reads all rows into RawRow values keyed by lower case column name.
func scanRawRows(rows *sql.Rows) ([]RawRow, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make([]RawRow, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err = rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(RawRow, len(columns))
		for i, column := range columns {
			row[strings.ToLower(column)] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// MapLockRecord translates a raw row into a LockRecord. Column names are
// matched case-insensitively, underscores ignored.
func MapLockRecord(row RawRow) (LockRecord, error) {
	normalized := make(map[string]any, len(row))
	for column, value := range row {
		normalized[strings.ReplaceAll(strings.ToLower(column), "_", "")] = value
	}

	var (
		record LockRecord
		err    error
	)

	record.ID, err = toInt64(normalized["id"])
	if err != nil {
		return LockRecord{}, fmt.Errorf("%w: id: %w", ErrInvalidLockRow, err)
	}

	record.Locked, err = toBool(normalized["locked"])
	if err != nil {
		return LockRecord{}, fmt.Errorf("%w: locked: %w", ErrInvalidLockRow, err)
	}

	record.GrantedAt, err = toTime(normalized["lockgranted"])
	if err != nil {
		return LockRecord{}, fmt.Errorf("%w: lock_granted: %w", ErrInvalidLockRow, err)
	}

	switch v := normalized["lockedby"].(type) {
	case nil:
	case string:
		record.LockedBy = v
	case []byte:
		record.LockedBy = string(v)
	default:
		return LockRecord{}, fmt.Errorf("%w: locked_by: unexpected type %T", ErrInvalidLockRow, v)
	}

	return record, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case []byte:
		return strconv.ParseBool(string(x))
	case string:
		return strconv.ParseBool(x)
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected type %T", v)
	}
}

func toTime(v any) (*time.Time, error) {
	var raw string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &x, nil
	case string:
		raw = x
	case []byte:
		raw = string(x)
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}

	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return &t, nil
		}
	}

	return nil, fmt.Errorf("unparsable time %q", raw)
}
