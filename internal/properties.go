package internal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Properties is an event's key-value payload. Values are restricted to JSON
// scalars (string/number/bool) so that aggregation and serialization stay
// well-typed; nested objects and arrays are rejected at validation time
// rather than silently stored.
type Properties map[string]interface{}

// Validate returns a ValidationError if any value is not a scalar.
func (p Properties) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case string, bool, float64, int, int64:
			continue
		case nil:
			return NewValidationError("properties."+k, "null values are not allowed")
		default:
			return NewValidationError("properties."+k, fmt.Sprintf("non-scalar value of type %T", v))
		}
	}
	return nil
}

// Value implements driver.Valuer so Properties can be written to a JSONB column.
func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Properties) Scan(src interface{}) error {
	switch data := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(data, p)
	case string:
		return json.Unmarshal([]byte(data), p)
	default:
		return fmt.Errorf("cannot scan properties from %T", src)
	}
}
