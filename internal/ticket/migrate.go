package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingdom-dev/kingdom/internal/fstore"
	"github.com/kingdom-dev/kingdom/internal/frontmatter"
	"github.com/kingdom-dev/kingdom/internal/git"
	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// legacyPrefix is the historical ticket-id prefix being retired.
const legacyPrefix = "kin-"

// MigrationPlan describes the renames and rewrites a migration would
// perform. Plans are computed in full before anything is touched.
type MigrationPlan struct {
	// Renames maps old file path to new file path.
	Renames map[string]string
	// Rewrites lists every ticket file whose frontmatter references a
	// legacy id (its own or a dep's).
	Rewrites []string
	// Collisions lists target paths that already exist; any entry aborts
	// the migration.
	Collisions []string
}

// Empty reports whether the plan has no work.
func (p *MigrationPlan) Empty() bool {
	return len(p.Renames) == 0 && len(p.Rewrites) == 0
}

// stripLegacy removes the legacy prefix from an id if present.
func stripLegacy(id string) string {
	return strings.TrimPrefix(id, legacyPrefix)
}

// PlanMigration scans every ticket directory, including done branches,
// and computes the rename and rewrite set for legacy ids.
func (s *Store) PlanMigration() (*MigrationPlan, error) {
	plan := &MigrationPlan{Renames: make(map[string]string)}
	for _, dir := range s.dirs(true) {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			path := filepath.Join(dir.path, name)
			if strings.HasPrefix(name, legacyPrefix) {
				target := filepath.Join(dir.path, stripLegacy(name))
				if fstore.Exists(target) {
					plan.Collisions = append(plan.Collisions, target)
				}
				plan.Renames[path] = target
			}
			needs, err := referencesLegacy(path)
			if err != nil {
				return nil, err
			}
			if needs {
				plan.Rewrites = append(plan.Rewrites, path)
			}
		}
	}
	sort.Strings(plan.Rewrites)
	sort.Strings(plan.Collisions)
	return plan, nil
}

// referencesLegacy reports whether a ticket file carries a legacy id in
// its id, deps, or links fields.
func referencesLegacy(path string) (bool, error) {
	text, err := fstore.ReadText(path)
	if err != nil {
		return false, err
	}
	doc, err := frontmatter.Parse(text)
	if err != nil {
		return false, fmt.Errorf("%s: %v: %w", path, err, kderr.ErrParse)
	}
	if strings.HasPrefix(doc.String("id"), legacyPrefix) {
		return true, nil
	}
	for _, key := range []string{"deps", "links"} {
		for _, ref := range doc.List(key) {
			if strings.HasPrefix(ref, legacyPrefix) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Migrate rewrites legacy ticket ids to bare 4-hex. Without apply it
// only returns the plan. With apply it verifies the collision set is
// empty, then renames files (git mv when inside a work tree) and
// rewrites every frontmatter reference. A plan with collisions applies
// nothing.
func (s *Store) Migrate(apply bool) (*MigrationPlan, error) {
	plan, err := s.PlanMigration()
	if err != nil {
		return nil, err
	}
	if !apply {
		return plan, nil
	}
	if len(plan.Collisions) > 0 {
		return plan, fmt.Errorf("migration collisions: %s: %w",
			strings.Join(plan.Collisions, ", "), kderr.ErrConflict)
	}

	inRepo := git.Available() && s.git.IsRepo()
	for _, path := range sortedKeys(plan.Renames) {
		target := plan.Renames[path]
		moved := false
		if inRepo {
			if err := s.git.Mv(path, target); err == nil {
				moved = true
			}
		}
		if !moved {
			if err := os.Rename(path, target); err != nil {
				return plan, fmt.Errorf("renaming %s: %w", path, err)
			}
		}
	}

	for _, path := range plan.Rewrites {
		// A rewrite target may itself have been renamed above.
		if target, ok := plan.Renames[path]; ok {
			path = target
		}
		if err := rewriteLegacyRefs(path); err != nil {
			return plan, err
		}
	}
	return plan, nil
}

// rewriteLegacyRefs strips the legacy prefix from the id, deps, and
// links fields of one ticket file, rewriting atomically.
func rewriteLegacyRefs(path string) error {
	text, err := fstore.ReadText(path)
	if err != nil {
		return err
	}
	doc, err := frontmatter.Parse(text)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, kderr.ErrParse)
	}
	doc.Set("id", stripLegacy(doc.String("id")))
	for _, key := range []string{"deps", "links"} {
		refs := doc.List(key)
		if len(refs) == 0 {
			continue
		}
		out := make([]string, len(refs))
		for i, ref := range refs {
			out[i] = stripLegacy(ref)
		}
		doc.Set(key, out)
	}
	return fstore.WriteText(path, doc.Emit())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
