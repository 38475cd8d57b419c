package config

import (
	"fmt"
	"os"
	"regexp"
)

// envRefPattern matches, in order of precedence:
//   - $$                  a literal dollar sign
//   - ${VAR}              value of VAR, empty when unset
//   - ${VAR:-fallback}    fallback when VAR is unset or empty
//   - ${VAR:?message}     error when VAR is unset or empty
//
// The bare $VAR form is left as is.
var envRefPattern = regexp.MustCompile(`\$\$|\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// expandEnv resolves environment references in a raw configuration document.
// The first missing required variable aborts the expansion.
func expandEnv(input string, lookup func(string) (string, bool)) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var firstErr error
	out := envRefPattern.ReplaceAllStringFunc(input, func(ref string) string {
		if firstErr != nil {
			return ref
		}
		if ref == "$$" {
			return "$"
		}

		m := envRefPattern.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		value, _ := lookup(name)

		switch op {
		case ":-":
			if value == "" {
				return arg
			}
		case ":?":
			if value == "" {
				if arg == "" {
					arg = "not set"
				}
				firstErr = fmt.Errorf("required environment variable %s: %s", name, arg)
				return ref
			}
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
