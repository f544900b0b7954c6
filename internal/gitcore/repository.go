package gitcore

import (
	"container/heap"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Repository represents a Git repository, providing read-only access to its
// commits, branches, tags, and other metadata. Pack indexes are loaded at
// Open time; object bytes are resolved lazily and cached for the lifetime
// of the handle.
type Repository struct {
	gitDir  string
	workDir string

	refs        map[string]Hash
	branches    map[string]Hash
	packIndices []*PackIndex
	objectCache *objectCache

	head         Hash
	headRef      string
	headDetached bool

	mu sync.RWMutex
}

// Open opens a Git repository starting from path, which can be the working
// directory, the .git directory, or any directory inside the working tree
// (the search walks upward from path to find .git).
func Open(path string) (*Repository, error) {
	gitDir, workDir, err := findGitDirectory(path)
	if err != nil {
		return nil, err
	}
	if err := validateGitDirectory(gitDir); err != nil {
		return nil, err
	}

	repo := &Repository{
		gitDir:      gitDir,
		workDir:     workDir,
		refs:        make(map[string]Hash),
		branches:    make(map[string]Hash),
		packIndices: make([]*PackIndex, 0),
		objectCache: newObjectCache(defaultCacheCapacity),
	}

	if err := repo.loadPackIndices(); err != nil {
		return nil, errors.Wrap(err, "load pack indices")
	}
	if err := repo.loadRefs(); err != nil {
		return nil, errors.Wrap(err, "load refs")
	}
	if len(repo.Branches()) == 0 {
		return nil, errors.Errorf("no branches discoverable in %s", gitDir)
	}

	return repo, nil
}

// NewRepository is a compatibility alias for Open.
func NewRepository(path string) (*Repository, error) {
	return Open(path)
}

// Name returns the base name of the repository's working directory.
func (r *Repository) Name() string { return filepath.Base(r.workDir) }

// GitDir returns the path to the repository's .git directory.
func (r *Repository) GitDir() string { return r.gitDir }

// WorkDir returns the path to the repository's working directory.
func (r *Repository) WorkDir() string { return r.workDir }

// IsBare reports whether the repository is a bare repository.
func (r *Repository) IsBare() bool { return r.gitDir == r.workDir }

// ListBranches returns the names of all discoverable branches.
func (r *Repository) ListBranches() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.branches))
	for name := range r.branches {
		names = append(names, name)
	}
	return names
}

// Branches returns a map of branch names to their tip commit hashes.
func (r *Repository) Branches() map[string]Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]Hash, len(r.branches))
	for name, hash := range r.branches {
		result[name] = hash
	}
	return result
}

// Head returns the hash of the current HEAD commit.
func (r *Repository) Head() Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head
}

// HeadRef returns the symbolic ref (e.g., "refs/heads/main"), or empty string if detached.
func (r *Repository) HeadRef() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headRef
}

// HeadDetached reports whether the repository is in a detached HEAD state.
func (r *Repository) HeadDetached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headDetached
}

// Description returns the .git/description contents, or empty string if
// the file is missing or contains Git's default placeholder text.
func (r *Repository) Description() string {
	descPath := filepath.Join(r.gitDir, "description")
	//nolint:gosec // G304: Description path is controlled by git repository structure
	content, err := os.ReadFile(descPath)
	if err != nil {
		return ""
	}

	desc := strings.TrimSpace(string(content))
	if desc == "Unnamed repository; edit this file 'description' to name the repository." {
		return ""
	}

	return desc
}

// Remotes parses .git/config and returns remote names to URLs (credentials stripped).
func (r *Repository) Remotes() map[string]string {
	remotes := make(map[string]string)

	configPath := filepath.Join(r.gitDir, "config")
	cfg, err := ini.Load(configPath)
	if err != nil {
		return remotes
	}

	for _, section := range cfg.Sections() {
		name := section.Name()
		var remoteName string
		switch {
		case strings.HasPrefix(name, `remote "`):
			remoteName = strings.Trim(strings.TrimPrefix(name, "remote "), `"`)
		case strings.HasPrefix(name, "remote."):
			remoteName = strings.TrimPrefix(name, "remote.")
		default:
			continue
		}
		if remoteName == "" || !section.HasKey("url") {
			continue
		}
		remotes[remoteName] = stripCredentials(section.Key("url").String())
	}

	return remotes
}

// TagNames returns a list of all tag names in the repository.
func (r *Repository) TagNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0)
	for ref := range r.refs {
		if name, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
			result = append(result, name)
		}
	}
	return result
}

// Tags returns tag names mapped to their target commit hashes. Annotated tags
// are peeled one level, resolving through the tag object to the commit it
// names; lightweight tags already point at the commit directly.
func (r *Repository) Tags() map[string]string {
	r.mu.RLock()
	tagRefs := make(map[string]Hash)
	for ref, hash := range r.refs {
		if name, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
			tagRefs[name] = hash
		}
	}
	r.mu.RUnlock()

	result := make(map[string]string, len(tagRefs))
	for name, hash := range tagRefs {
		target := hash
		if obj, err := r.readObject(hash); err == nil {
			if tag, ok := obj.(*Tag); ok {
				target = tag.Object
			}
		}
		result[name] = string(target)
	}
	return result
}

// GetTree retrieves a Tree object by its hash.
func (r *Repository) GetTree(treeHash Hash) (*Tree, error) {
	object, err := r.readObject(treeHash)
	if err != nil {
		return nil, errors.Wrap(err, "read tree object")
	}

	tree, ok := object.(*Tree)
	if !ok {
		return nil, errors.Errorf("object %s is not a tree", treeHash)
	}

	return tree, nil
}

// TreeEntries returns the entries of the tree at the given hash.
func (r *Repository) TreeEntries(hash Hash) ([]TreeEntry, error) {
	tree, err := r.GetTree(hash)
	if err != nil {
		return nil, err
	}
	return tree.Entries, nil
}

// Object retrieves the raw bytes and type of any object by hash, resolving
// through loose storage, the object cache, or pack deltas as needed.
func (r *Repository) Object(hash Hash) (ObjectType, []byte, error) {
	data, objectType, err := r.readObjectData(hash)
	if err != nil {
		return NoneObject, nil, err
	}
	return ObjectType(objectType), data, nil
}

// GetBlob retrieves raw blob data by its hash.
func (r *Repository) GetBlob(blobHash Hash) ([]byte, error) {
	objectData, objectType, err := r.readObjectData(blobHash)
	if err != nil {
		return nil, errors.Wrapf(err, "blob not found: %s", blobHash)
	}
	if objectType != packObjectBlob {
		return nil, errors.Errorf("object %s is not a blob (type %d)", blobHash, objectType)
	}
	return objectData, nil
}

// getCommit resolves an object by hash and asserts it parses as a commit.
func (r *Repository) getCommit(hash Hash) (*Commit, error) {
	obj, err := r.readObject(hash)
	if err != nil {
		return nil, err
	}
	commit, ok := obj.(*Commit)
	if !ok {
		return nil, errors.Errorf("object %s is not a commit", hash)
	}
	return commit, nil
}

// GetCommit looks up a single commit by hash.
func (r *Repository) GetCommit(hash Hash) (*Commit, error) {
	return r.getCommit(hash)
}

// GetTag looks up a single tag by hash.
func (r *Repository) GetTag(hash Hash) (*Tag, error) {
	obj, err := r.readObject(hash)
	if err != nil {
		return nil, err
	}
	tag, ok := obj.(*Tag)
	if !ok {
		return nil, errors.Errorf("object %s is not a tag", hash)
	}
	return tag, nil
}

// commitHeap is a max-heap of commits sorted by committer date (newest first).
type commitHeap []*Commit

func (h commitHeap) Len() int { return len(h) }

func (h commitHeap) Less(i, j int) bool {
	return h[i].Committer.When.After(h[j].Committer.When)
}

func (h commitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commitHeap) Push(x any) {
	*h = append(*h, x.(*Commit)) //nolint:errcheck // heap only stores *Commit; assertion always succeeds
}

func (h *commitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// History returns every commit reachable from the named branch's tip, in
// reverse chronological (committer-time) order. All parent links are
// traversed, not just the first, so merge ancestry is fully represented.
func (r *Repository) History(branch string) ([]*Commit, error) {
	r.mu.RLock()
	tip, ok := r.branches[branch]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("branch not found: %s", branch)
	}
	return r.walkHistory(tip)
}

// CommitLog walks from HEAD through parents in reverse chronological order.
// If maxCount <= 0 all reachable commits are returned.
func (r *Repository) CommitLog(maxCount int) ([]*Commit, error) {
	r.mu.RLock()
	head := r.head
	r.mu.RUnlock()

	if head == "" {
		return nil, nil
	}

	commits, err := r.walkHistory(head)
	if err != nil {
		return nil, err
	}
	if maxCount > 0 && len(commits) > maxCount {
		commits = commits[:maxCount]
	}
	return commits, nil
}

// walkHistory performs the committer-time max-heap walk from an arbitrary
// starting commit, resolving each commit lazily through the object facade.
func (r *Repository) walkHistory(start Hash) ([]*Commit, error) {
	startCommit, err := r.getCommit(start)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve starting commit %s", start.Short())
	}

	visited := map[Hash]bool{start: true}
	h := &commitHeap{}
	heap.Init(h)
	heap.Push(h, startCommit)

	var result []*Commit
	for h.Len() > 0 {
		c := heap.Pop(h).(*Commit) //nolint:errcheck // heap only stores *Commit; assertion always succeeds
		result = append(result, c)

		for _, parentHash := range c.Parents {
			if visited[parentHash] {
				continue
			}
			visited[parentHash] = true
			parent, err := r.getCommit(parentHash)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve parent %s of %s", parentHash.Short(), c.ID.Short())
			}
			heap.Push(h, parent)
		}
	}
	return result, nil
}

// resolveTreeAtPath walks from rootTreeHash through a slash-separated dirPath
// (e.g., "internal/gitcore") and returns the tree at that location.
// Empty dirPath returns the root tree itself.
func (r *Repository) resolveTreeAtPath(rootTreeHash Hash, dirPath string) (*Tree, error) {
	if dirPath == "" || dirPath == "/" {
		return r.GetTree(rootTreeHash)
	}

	components := strings.Split(strings.Trim(dirPath, "/"), "/")
	currentTreeHash := rootTreeHash

	for _, component := range components {
		tree, err := r.GetTree(currentTreeHash)
		if err != nil {
			return nil, errors.Wrapf(err, "read tree %s", currentTreeHash)
		}

		found := false
		for _, entry := range tree.Entries {
			if entry.Name == component {
				if !entry.IsDir {
					return nil, errors.Errorf("path component %q is not a directory", component)
				}
				currentTreeHash = entry.ID
				found = true
				break
			}
		}

		if !found {
			return nil, errors.Errorf("path component %q not found", component)
		}
	}

	return r.GetTree(currentTreeHash)
}

// findGitDirectory walks up from startPath to locate the .git directory.
func findGitDirectory(startPath string) (gitDir string, workDir string, err error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", "", errors.Wrap(err, "resolve path")
	}

	if filepath.Base(absPath) == ".git" {
		info, err := os.Stat(absPath)
		if err == nil && info.IsDir() {
			return absPath, filepath.Dir(absPath), nil
		}
	}

	if isBareRepository(absPath) {
		return absPath, absPath, nil
	}

	currentPath := absPath
	for {
		gitPath := filepath.Join(currentPath, ".git")

		info, err := os.Stat(gitPath)
		if err == nil {
			if info.IsDir() {
				return gitPath, currentPath, nil
			}
			return handleGitFile(gitPath, currentPath)
		}

		parentPath := filepath.Dir(currentPath)
		if parentPath == currentPath {
			return "", "", errors.Errorf("not a git repository (or any parent up to mount point): %s", startPath)
		}
		currentPath = parentPath
	}
}

// handleGitFile handles .git files (worktrees, submodules) with format "gitdir: <path>".
func handleGitFile(gitFilePath string, workDir string) (string, string, error) {
	//nolint:gosec // G304: .git file path is controlled by repository location
	content, err := os.ReadFile(gitFilePath)
	if err != nil {
		return "", "", errors.Wrap(err, "read .git file")
	}

	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", "", errors.Errorf("invalid .git file format: %s", gitFilePath)
	}

	gitDir := strings.TrimPrefix(line, "gitdir: ")
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(gitFilePath), gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	if _, err := os.Stat(gitDir); err != nil {
		return "", "", errors.Errorf("gitdir points to non-existent directory: %s", gitDir)
	}

	return gitDir, workDir, nil
}

// validateGitDirectory checks that gitDir exists, is a directory, and contains
// the expected Git internals (objects, refs, HEAD).
func validateGitDirectory(gitDir string) error {
	info, err := os.Stat(gitDir)
	if err != nil {
		return errors.Wrap(err, "git directory does not exist")
	}
	if !info.IsDir() {
		return errors.Errorf("git path is not a directory: %s", gitDir)
	}

	requiredPaths := []string{"objects", "refs", "HEAD"}
	for _, required := range requiredPaths {
		path := filepath.Join(gitDir, required)
		if _, err := os.Stat(path); err != nil {
			return errors.Errorf("invalid git repository, missing: %s", required)
		}
	}

	return nil
}

// isBareRepository checks whether path looks like a bare Git repository.
// A bare repo is a directory containing objects/, refs/, and HEAD but no .git subdirectory.
func isBareRepository(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return false
	}
	for _, required := range []string{"objects", "refs", "HEAD"} {
		if _, err := os.Stat(filepath.Join(path, required)); err != nil {
			return false
		}
	}
	return true
}

// stripCredentials removes embedded credentials from HTTP/HTTPS URLs,
// returning the URL with only the host and path portions intact.
func stripCredentials(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(url, scheme) && strings.Contains(url, "@") {
			parts := strings.SplitN(url, "@", 2)
			if len(parts) == 2 {
				return scheme + parts[1]
			}
		}
	}
	return url
}
