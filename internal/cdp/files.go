package cdp

import (
	"os"
	"path/filepath"
	"strings"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func replaceAll(content, find, replace string) string {
	return strings.ReplaceAll(content, find, replace)
}
