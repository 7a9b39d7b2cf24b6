package codec

// unsupportedSchemaFields are JSON-Schema keywords the upstream rejects
// with INVALID_ARGUMENT. They are stripped from tool parameter schemas;
// exclusive bounds are converted to their inclusive neighbors.
var unsupportedSchemaFields = map[string]bool{
	"$schema":           true,
	"exclusiveMinimum":  true,
	"exclusiveMaximum":  true,
	"$id":               true,
	"$ref":              true,
	"$defs":             true,
	"definitions":       true,
	"patternProperties": true,
	"additionalItems":   true,
	"contains":          true,
	"propertyNames":     true,
	"if":                true,
	"then":              true,
	"else":              true,
	"allOf":             true,
	"anyOf":             true,
	"oneOf":             true,
	"not":               true,
}

// CleanSchema returns a copy of a tool input schema with unsupported
// keywords removed, recursing into nested objects and arrays.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	cleaned := make(map[string]any, len(schema))
	for key, value := range schema {
		if unsupportedSchemaFields[key] {
			switch key {
			case "exclusiveMinimum":
				if num, ok := asFloat(value); ok {
					cleaned["minimum"] = num + 1
				}
			case "exclusiveMaximum":
				if num, ok := asFloat(value); ok {
					cleaned["maximum"] = num - 1
				}
			}
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			cleaned[key] = CleanSchema(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = CleanSchema(m)
				} else {
					items[i] = item
				}
			}
			cleaned[key] = items
		default:
			cleaned[key] = value
		}
	}
	return cleaned
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
