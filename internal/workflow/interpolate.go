package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/orbitmesh/orbitmesh/internal/workflow/expr"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate replaces every ${path.to.var} in s with the referenced
// variable's value. Strings substitute verbatim; other values render as
// JSON; undefined references render as the empty string.
func interpolate(s string, vars map[string]interface{}) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.Split(match[2:len(match)-1], ".")
		v := expr.Lookup(vars, path)
		switch x := v.(type) {
		case nil:
			return ""
		case string:
			return x
		case float64, int, int64, bool:
			return fmt.Sprintf("%v", x)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return fmt.Sprintf("%v", x)
			}
			return string(b)
		}
	})
}
