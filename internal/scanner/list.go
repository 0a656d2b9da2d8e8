package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ListEligible returns the immediate regular files of dir whose name ends with one
// of exts, compared case-insensitively, sorted by name. Symlinks count when they
// resolve to a regular file. An empty extension list accepts nothing.
func ListEligible(dir string, exts []string) ([]string, error) {
	accepted := normalizeExtensions(exts)
	if len(accepted) == 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !hasAcceptedSuffix(e.Name(), accepted) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		switch {
		case e.Type().IsRegular():
		case e.Type()&os.ModeSymlink != 0:
			fi, err := os.Stat(p)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
		default:
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, x := range exts {
		x = strings.ToLower(strings.TrimSpace(x))
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

func hasAcceptedSuffix(name string, accepted []string) bool {
	lower := strings.ToLower(name)
	for _, x := range accepted {
		if strings.HasSuffix(lower, x) {
			return true
		}
	}
	return false
}
