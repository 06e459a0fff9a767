package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. Scan is on pointer receivers; Value is
// on value receivers. Catches signature drift at compile time.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// Metadata is a free-form JSONB column. The usage ledger stores AI token
// counts here under MetaInputTokens / MetaOutputTokens.
type Metadata map[string]any

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Int64 reads an integer metadata field. JSON numbers decode as float64;
// explicit int types are handled for values set in-process.
func (m Metadata) Int64(key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
