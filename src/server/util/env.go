package util

import (
	"bufio"
	"os"
	"strings"
)

// envLocalPath is the dotenv file consulted by LoadEnvLocal.
var envLocalPath = ".env.local"

// LoadEnvLocal reads a value from .env.local file by key
// Returns the value if found, empty string otherwise
func LoadEnvLocal(key string) string {
	file, err := os.Open(envLocalPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return ""
}

// Getenv returns the process environment value of key, falling back to
// .env.local and then to def.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := LoadEnvLocal(key); v != "" {
		return v
	}
	return def
}
