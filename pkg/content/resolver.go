package content

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Resolver locates static files across an ordered list of root directories.
// Earlier roots win, which lets an application directory shadow files
// shipped with the framework.
type Resolver struct {
	roots []string
}

// NewResolver builds a resolver over the given roots, in priority order.
// Roots that do not exist are kept; they may appear later.
func NewResolver(roots ...string) *Resolver {
	r := &Resolver{roots: append([]string(nil), roots...)}
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			log.Debug().Str("root", root).Msg("content root not present yet")
		}
	}
	return r
}

// Roots returns the search path in priority order.
func (r *Resolver) Roots() []string {
	return append([]string(nil), r.roots...)
}

// FindFile resolves a relative name against the roots and returns the first
// existing regular file. Paths escaping a root are rejected.
func (r *Resolver) FindFile(name string) (string, bool) {
	clean := filepath.Clean("/" + name)[1:]
	if clean == "" || clean == "." {
		return "", false
	}
	for _, root := range r.roots {
		p := filepath.Join(root, clean)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		return p, true
	}
	return "", false
}

// Glob returns files matching pattern across all roots, earlier roots first,
// deduplicated by relative path.
func (r *Resolver) Glob(pattern string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, root := range r.roots {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "bad glob pattern %q", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			rel, err := filepath.Rel(root, m)
			if err != nil || seen[rel] {
				continue
			}
			seen[rel] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// DocsIndex renders a markdown index of the documents under the docs/
// subdirectory of each root. Each entry links the file name to its path so
// the page can be served like any other markdown document.
func (r *Resolver) DocsIndex() (string, error) {
	matches, err := r.Glob(filepath.Join("docs", "*.md"))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Documents\n\n")
	if len(matches) == 0 {
		b.WriteString("No documents available.\n")
		return b.String(), nil
	}
	for _, m := range matches {
		name := filepath.Base(m)
		title := docTitle(m, name)
		fmt.Fprintf(&b, "- [%s](/docs/%s)\n", title, name)
	}
	return b.String(), nil
}

// docTitle returns the first markdown heading of the file, falling back to
// the file name.
func docTitle(path, fallback string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return fallback
}
