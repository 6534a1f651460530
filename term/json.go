package term

import (
	"bytes"
	"fmt"
	"math"

	gjson "github.com/goccy/go-json"
)

// JSON renders t with ToGo and go-json; handy for
// printing remote results in tools and logs.
func JSON(t Term) ([]byte, error) {
	return gjson.Marshal(ToGo(t))
}

// ArgsFromJSON parses a JSON array into Go values suitable
// for Convert. JSON numbers without a fractional part come
// back as int64, so that "i" signatures accept them.
func ArgsFromJSON(data []byte) (args []any, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '[' {
		return nil, fmt.Errorf("term: arguments must be a JSON array, got '%s'", data)
	}
	err = gjson.Unmarshal(data, &args)
	if err != nil {
		return nil, err
	}
	for i := range args {
		args[i] = normalizeJSON(args[i])
	}
	return args, nil
}

func normalizeJSON(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case []any:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
	}
	return v
}
