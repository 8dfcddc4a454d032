package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// loadDotEnv loads a .env file from the working directory into the
// process environment the first time any config is loaded. Missing .env is
// not an error -- most deployments set SIMPLEXMQ_* directly -- but a
// malformed one is surfaced so a typo doesn't silently vanish.
var (
	dotEnvOnce sync.Once
	dotEnvErr  error
)

func loadDotEnv() error {
	dotEnvOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			dotEnvErr = err
		}
	})
	return dotEnvErr
}

// envVarPattern matches "${NAME}" or "${NAME:default}" tokens embedded in
// YAML scalar values, so a config file can defer a value to the process
// environment without a templating pass.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces every ${NAME} / ${NAME:default} token in input
// with the named environment variable, falling back to default when unset.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(token string) string {
		m := envVarPattern.FindStringSubmatch(token)
		name, def := m[1], m[2]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// GetEnvironment reports the deployment environment, read from
// SIMPLEXMQ_ENV and falling back to ENVIRONMENT, defaulting to
// "development" when neither is set.
func GetEnvironment() string {
	if v := os.Getenv("SIMPLEXMQ_ENV"); v != "" {
		return v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}

// IsProduction reports whether GetEnvironment is "production".
func IsProduction() bool { return GetEnvironment() == "production" }

// IsDevelopment reports whether GetEnvironment is "development".
func IsDevelopment() bool { return GetEnvironment() == "development" }

// envOverride looks up a SIMPLEXMQ_-prefixed environment variable and, if
// set, assigns it into *dst via parse. Used by applyServerEnvOverrides and
// applyAgentEnvOverrides so every field has one line regardless of type.
func envOverride(name string, parse func(string)) {
	if v, ok := os.LookupEnv("SIMPLEXMQ_" + name); ok {
		parse(v)
	}
}

func envOverrideInt(name string, dst *int) {
	envOverride(name, func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	})
}

func envOverrideString(name string, dst *string) {
	envOverride(name, func(v string) { *dst = v })
}

// envOverrideList splits a comma-separated SIMPLEXMQ_ value into dst,
// trimming whitespace around each element.
func envOverrideList(name string, dst *[]string) {
	envOverride(name, func(v string) {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	})
}
