package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeName keeps letters, digits and a few separators of s, replacing
// anything else with an underscore.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputFile checks that an archive can be written at path.
func ValidateOutputFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("output file is required")
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return fmt.Errorf("output file must not be a directory")
	}

	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("output file is a directory")
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("invalid output file: %w", err)
	}

	parent, err := os.Stat(filepath.Dir(path))
	if err == nil && !parent.IsDir() {
		return fmt.Errorf("parent of output file is not a directory")
	}
	return nil
}
