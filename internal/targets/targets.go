// Package targets builds the list of target IDs for a run.
package targets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrEmpty = errors.New("no targets given")

// known targets that lead a generated Kepler list
var keplerNamed = []string{
	"Kepler-10", "Kepler-11", "Kepler-16", "Kepler-22", "Kepler-62",
	"Kepler-69", "Kepler-90", "Kepler-186", "Kepler-296", "Kepler-442",
	"Kepler-452", "Kepler-1649",
}

const (
	kicBase = 2437200
	ticBase = 25155310
)

// Parse reads one target per line. Blank lines and lines starting with '#'
// are skipped; for CSV input only the first column is used and a
// "target_id" header is ignored.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
		s = strings.Trim(s, `"`)
		if s == "" {
			continue
		}
		if line == 1 && strings.EqualFold(s, "target_id") {
			continue
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return out, nil
}

func ReadFile(path string) ([]string, error) {
	if path == "-" {
		return Parse(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file %s: %w", path, err)
	}
	defer f.Close()
	ids, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

// Generate returns n synthetic catalogue IDs for mission.
func Generate(mission string, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	switch strings.ToLower(mission) {
	case "tess":
		for i := 0; i < n; i++ {
			out = append(out, fmt.Sprintf("TIC %d", ticBase+i))
		}
	default:
		for _, id := range keplerNamed {
			if len(out) == n {
				break
			}
			out = append(out, id)
		}
		for i := 0; len(out) < n; i++ {
			out = append(out, fmt.Sprintf("KIC %d", kicBase+i))
		}
	}
	return out
}

// Options describes where a run's targets come from.
type Options struct {
	File    string
	IDs     []string
	Count   int
	Mission string
}

// Load merges the file and explicit IDs, de-duplicates them in first-seen
// order and truncates to Count. Without any explicit source, Count targets
// are generated.
func Load(opts Options) ([]string, error) {
	var ids []string
	if strings.TrimSpace(opts.File) != "" {
		fromFile, err := ReadFile(opts.File)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fromFile...)
	}
	for _, id := range opts.IDs {
		if s := strings.TrimSpace(id); s != "" {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 && opts.File == "" {
		ids = Generate(opts.Mission, opts.Count)
	}
	ids = Dedupe(ids)
	if opts.Count > 0 && len(ids) > opts.Count {
		ids = ids[:opts.Count]
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}
	return ids, nil
}

func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
