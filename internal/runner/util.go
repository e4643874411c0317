package runner

import "encoding/json"

// toJSONLoose renders v as JSON text for interpolation into a prompt body,
// falling back to an empty object string on marshal failure rather than
// propagating an error from what is ultimately a best-effort text splice.
func toJSONLoose(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
