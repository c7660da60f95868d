package util

import (
	"fmt"
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnvStrict substitutes ${NAME} placeholders and fails on the first unset variable.
func ExpandEnvStrict(s string) (string, error) {
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok {
			return "", fmt.Errorf("environment variable %s is not set", m[1])
		}
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(ref)[1])
	}), nil
}
