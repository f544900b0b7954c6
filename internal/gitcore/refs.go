package gitcore

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// lastPathSegment returns the segment of a slash-separated ref path after
// the final "/", matching spec's "basename" (loose) / "segment after the
// final slash" (packed-refs) branch-naming rule.
func lastPathSegment(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx != -1 {
		return ref[idx+1:]
	}
	return ref
}

// loadRefs loads all Git references (branches, tags) into the refs map.
//
// Branches follow an either/or policy between the two ref storage formats:
// loose files under refs/heads/ are authoritative when any exist; packed-refs
// only supplies branches when refs/heads/ is completely empty (a fully
// packed repository). Tags are layered unconditionally from both sources;
// where a loose tag and a packed-refs entry share a name, the loose tag
// wins, since the packed entry is the stale one.
func (r *Repository) loadRefs() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	looseHeads, err := r.loadLooseRefsMap("heads")
	if err != nil {
		return errors.Wrap(err, "load loose branches")
	}
	looseTags, err := r.loadLooseRefsMap("tags")
	if err != nil {
		return errors.Wrap(err, "load loose tags")
	}
	packed, err := r.loadPackedRefsMap()
	if err != nil {
		return errors.Wrap(err, "load packed refs")
	}

	if len(looseHeads) > 0 {
		for name, hash := range looseHeads {
			r.refs[name] = hash
			r.branches[lastPathSegment(name)] = hash
		}
	} else {
		for name, hash := range packed {
			if strings.HasPrefix(name, "refs/heads/") {
				r.refs[name] = hash
				r.branches[lastPathSegment(name)] = hash
			}
		}
	}

	for name, hash := range packed {
		if strings.HasPrefix(name, "refs/tags/") {
			r.refs[name] = hash
		}
	}
	for name, hash := range looseTags {
		r.refs[name] = hash
	}

	if err := r.loadHEAD(); err != nil {
		return errors.Wrap(err, "load HEAD")
	}

	return nil
}

// loadLooseRefsMap recursively loads all refs in a directory into a fresh map.
// prefix is like "heads" for branches, or "tags" for tags.
func (r *Repository) loadLooseRefsMap(prefix string) (map[string]Hash, error) {
	refs := make(map[string]Hash)
	refsDir := filepath.Join(r.gitDir, "refs", prefix)

	if _, err := os.Stat(refsDir); os.IsNotExist(err) {
		// No refs of this type yet (e.g., new repo with no tags), this is ok.
		return refs, nil
	} else if err != nil {
		return nil, err
	}

	err := filepath.Walk(refsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(r.gitDir, path)
		if err != nil {
			return err
		}

		refName := filepath.ToSlash(relPath)
		hash, err := r.resolveRef(path)
		if err != nil {
			// Log the error but continue with other potentially valid refs.
			log.Printf("error resolving ref: %v", err)
			return nil
		}

		refs[refName] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// loadPackedRefsMap reads the packed-refs file and returns every entry it
// contains, keyed by full ref name (e.g. "refs/heads/main"). Callers filter
// by prefix for the particular ref namespace they need.
func (r *Repository) loadPackedRefsMap() (map[string]Hash, error) {
	refs := make(map[string]Hash)
	packedRefsFile := filepath.Join(r.gitDir, "packed-refs")

	//nolint:gosec // G304: Packed-refs path is controlled by git repository structure
	file, err := os.Open(packedRefsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return refs, nil
		}
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close packed-refs file: %v", err)
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		hash, err := NewHash(parts[0])
		if err != nil {
			continue
		}

		refs[parts[1]] = hash
	}

	return refs, scanner.Err()
}

// loadHEAD reads and caches HEAD information.
func (r *Repository) loadHEAD() error {
	headPath := filepath.Join(r.gitDir, "HEAD")
	//nolint:gosec // G304: HEAD path is controlled by git repository structure
	content, err := os.ReadFile(headPath)
	if err != nil {
		return errors.Wrap(err, "read HEAD")
	}

	line := strings.TrimSpace(string(content))

	if strings.HasPrefix(line, "ref: ") {
		r.headRef = strings.TrimPrefix(line, "ref: ")
		r.headDetached = false

		if hash, exists := r.refs[r.headRef]; exists {
			r.head = hash
		} else {
			r.head = "" // New repository with no commits, this is ok.
		}
	} else {
		r.headDetached = true
		r.headRef = ""

		hash, err := NewHash(line)
		if err != nil {
			return errors.Wrap(err, "invalid HEAD")
		}
		r.head = hash
	}

	return nil
}

// resolveRef reads a single ref file and returns its hash.
// Handles both direct hashes and symbolic refs.
func (r *Repository) resolveRef(path string) (Hash, error) {
	//nolint:gosec // G304: Ref paths are controlled by git repository structure
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(content))

	if strings.HasPrefix(line, "ref: ") {
		targetRef := strings.TrimPrefix(line, "ref: ")
		targetPath := filepath.Join(r.gitDir, targetRef)
		return r.resolveRef(targetPath)
	}

	hash, err := NewHash(line)
	if err != nil {
		return "", errors.Wrapf(err, "invalid hash in ref file %s", path)
	}
	return hash, nil
}
