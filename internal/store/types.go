package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tidemark-io/propagate/internal/contract"
)

// StringList maps a []string onto a jsonb array column.
type StringList []string

// Value implements driver.Valuer. A nil list is stored as [].
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}

	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// FieldList maps changed-field detail records onto a jsonb array column.
type FieldList []contract.ChangedField

// Value implements driver.Valuer. A nil list is stored as [].
func (l FieldList) Value() (driver.Value, error) {
	if l == nil {
		l = FieldList{}
	}

	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *FieldList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("store: cannot scan %T into %T", src, dest)
	}
}
