// Package gitcore provides pure Go implementation of Git object parsing and repository traversal.
package gitcore

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const (
	objectTypeCommit = "commit"
	objectTypeTree   = "tree"
	objectTypeBlob   = "blob"
	objectTypeTag    = "tag"
)

// readObject resolves an object from its hash and parses it into the typed
// Commit/Tag/Tree representation. It checks loose storage first, then the
// pack indices; nothing is loaded ahead of time.
func (r *Repository) readObject(id Hash) (Object, error) {
	data, objectType, err := r.readObjectData(id)
	if err != nil {
		return nil, err
	}

	switch ObjectType(objectType) {
	case CommitObject:
		observeObjectResolved(objectTypeCommit)
		return parseCommitBody(data, id)
	case TagObject:
		observeObjectResolved(objectTypeTag)
		return parseTagBody(data, id)
	case TreeObject:
		observeObjectResolved(objectTypeTree)
		return parseTreeBody(data, id)
	default:
		observeObjectResolved(objectTypeBlob)
		return nil, errors.Errorf("object %s is not a commit, tag, or tree", id)
	}
}

// readObjectData reads any object, loose or packed, and returns its raw
// content plus its pack-format type byte. A bounded cache fronts both
// storage paths so repeat lookups of the same hash (a delta base, a tree
// revisited across commits) skip disk entirely.
func (r *Repository) readObjectData(id Hash) ([]byte, byte, error) {
	if cached, ok := r.objectCache.get(id); ok {
		return cached.data, cached.objectType, nil
	}

	header, content, err := r.readLooseObjectRaw(id)
	if err == nil {
		typeNum, err := objectTypeFromHeader(header)
		if err != nil {
			return nil, 0, err
		}
		r.objectCache.set(id, cachedObject{data: content, objectType: typeNum})
		return content, typeNum, nil
	}

	for _, idx := range r.packIndices {
		if offset, found := idx.FindObject(id); found {
			data, objectType, err := r.readFromPackFile(idx.PackFile(), offset)
			if err != nil {
				return nil, 0, err
			}
			r.objectCache.set(id, cachedObject{data: data, objectType: objectType})
			return data, objectType, nil
		}
	}

	return nil, 0, errors.Errorf("object not found: %s", id)
}

// readFromPackFile opens a pack file, seeks to offset, and reads a pack object.
// Scoping the open+defer+close to this function prevents file descriptor leaks
// when this is called inside a loop (defer runs at function return, not loop end).
func (r *Repository) readFromPackFile(packPath string, offset int64) ([]byte, byte, error) {
	//nolint:gosec // G304: Pack file paths are controlled by git repository structure
	file, err := os.Open(packPath)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close pack file: %v", err)
		}
	}()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, err
	}
	return readPackObject(file, r.readObjectData)
}

// readLooseObjectRaw reads a loose object from disk and returns its header and
// content with the null-byte separator consumed. This is the common
// implementation used by readObject and readObjectData.
func (r *Repository) readLooseObjectRaw(id Hash) (header string, content []byte, err error) {
	data, err := r.readLooseObjectStream(id)
	if err != nil {
		return "", nil, err
	}

	nullIdx := bytes.IndexByte(data, 0)
	if nullIdx == -1 {
		return "", nil, errors.New("invalid object format: missing header separator")
	}

	header, content = string(data[:nullIdx]), data[nullIdx+1:]
	return header, content, nil
}

// readLooseObjectStream returns the raw, unsplit "<type> <size>\0<payload>"
// bytes of a loose object exactly as they appear after zlib inflation,
// without stripping the header. Most callers want readLooseObjectRaw's
// split form; this exists for callers that need the literal on-disk framing.
func (r *Repository) readLooseObjectStream(id Hash) ([]byte, error) {
	objectPath := filepath.Join(r.gitDir, "objects", string(id)[:2], string(id)[2:])

	//nolint:gosec // G304: Object paths are controlled by git repository structure
	file, err := os.Open(objectPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close loose object file: %v", err)
		}
	}()

	data, err := readCompressedData(file)
	if err != nil {
		return nil, errors.Wrap(err, "invalid compressed data")
	}
	return data, nil
}

// objectTypeFromHeader converts a Git object header string to its pack object type byte.
// Uses the same numeric constants as the pack format (packObjectCommit, etc.).
func objectTypeFromHeader(header string) (byte, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("invalid object header: %q", header)
	}

	switch parts[0] {
	case objectTypeCommit:
		return packObjectCommit, nil
	case objectTypeTree:
		return packObjectTree, nil
	case objectTypeBlob:
		return packObjectBlob, nil
	case objectTypeTag:
		return packObjectTag, nil
	default:
		return 0, errors.Errorf("unsupported object type: %s", parts[0])
	}
}

// parseCommitBody parses the body of a commit object into a Commit struct.
func parseCommitBody(body []byte, id Hash) (*Commit, error) {
	commit := &Commit{ID: id}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	inMessage := false
	var messageLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if inMessage {
			messageLines = append(messageLines, line)
			continue
		}
		if line == "" {
			inMessage = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "parent "):
			parent, err := NewHash(strings.TrimPrefix(line, "parent "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid parent hash")
			}
			commit.Parents = append(commit.Parents, parent)
		case strings.HasPrefix(line, "tree "):
			tree, err := NewHash(strings.TrimPrefix(line, "tree "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid tree hash")
			}
			commit.Tree = tree
		case strings.HasPrefix(line, "author "):
			author, err := NewSignature(strings.TrimPrefix(line, "author "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid author signature")
			}
			commit.Author = author
		case strings.HasPrefix(line, "committer "):
			committer, err := NewSignature(strings.TrimPrefix(line, "committer "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid committer signature")
			}
			commit.Committer = committer
		}
	}

	commit.Message = strings.TrimSpace(strings.Join(messageLines, "\n"))

	return commit, nil
}

// parseTagBody parses the body of a tag object into a Tag struct.
func parseTagBody(body []byte, id Hash) (*Tag, error) {
	tag := &Tag{ID: id}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	inMessage := false
	var messageLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if inMessage {
			messageLines = append(messageLines, line)
			continue
		}
		if line == "" {
			inMessage = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "object "):
			objectHash, err := NewHash(strings.TrimPrefix(line, "object "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid object hash")
			}
			tag.Object = objectHash
		case strings.HasPrefix(line, "type "):
			tag.ObjType = StrToObjectType(strings.TrimPrefix(line, "type "))
		case strings.HasPrefix(line, "tag "):
			tag.Name = strings.TrimPrefix(line, "tag ")
		case strings.HasPrefix(line, "tagger "):
			tagger, err := NewSignature(strings.TrimPrefix(line, "tagger "))
			if err != nil {
				return nil, errors.Wrap(err, "invalid tagger signature")
			}
			tag.Tagger = tagger
		}
	}

	tag.Message = strings.TrimSpace(strings.Join(messageLines, "\n"))

	return tag, nil
}

// parseTreeBody parses the body of a tree object into a Tree struct.
func parseTreeBody(body []byte, id Hash) (*Tree, error) {
	tree := &Tree{
		ID:      id,
		Entries: make([]TreeEntry, 0),
	}
	reader := bytes.NewReader(body)

	for {
		var modeBuilder strings.Builder
		for {
			b, err := reader.ReadByte()
			if err == io.EOF {
				return tree, nil
			}
			if err != nil {
				return nil, errors.Wrap(err, "read tree entry mode")
			}
			if b == ' ' {
				break
			}
			modeBuilder.WriteByte(b)
		}
		mode := modeBuilder.String()

		var nameBuilder strings.Builder
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return nil, errors.Wrap(err, "read tree entry name")
			}
			if b == 0 {
				break
			}
			nameBuilder.WriteByte(b)
		}
		name := nameBuilder.String()

		var hashBytes [20]byte
		if _, err := io.ReadFull(reader, hashBytes[:]); err != nil {
			return nil, errors.Wrap(err, "read tree entry hash")
		}

		hash, err := NewHashFromBytes(hashBytes)
		if err != nil {
			return nil, errors.Wrap(err, "invalid hash in tree entry")
		}

		// Determine type based on mode:
		//  - 100644/100755 = blob (file)
		//  - 040000 = tree (directory)
		//  - 120000 = blob (symlink)
		//  - 160000 = commit (submodule)
		var entryType string
		var isDir bool
		switch {
		case strings.HasPrefix(mode, "100"):
			entryType = objectTypeBlob
		case mode == "040000" || mode == "40000":
			entryType = objectTypeTree
			isDir = true
		case mode == "120000":
			entryType = objectTypeBlob
		case mode == "160000":
			entryType = objectTypeCommit
		default:
			entryType = statusUnknown
		}

		tree.Entries = append(tree.Entries, TreeEntry{
			ID:    hash,
			Name:  name,
			Mode:  mode,
			Type:  entryType,
			IsDir: isDir,
		})
	}
}

// maxDecompressedSize caps the size of any single decompressed Git object.
// Objects larger than this are rejected to prevent zip-bomb style attacks.
const maxDecompressedSize = 256 * 1024 * 1024 // 256MB

// readCompressedData reads and decompresses zlib-compressed data from the given reader.
// Returns an error if the decompressed output exceeds maxDecompressedSize.
func readCompressedData(r io.Reader) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "create zlib reader")
	}
	defer func() {
		if err := zr.Close(); err != nil {
			log.Printf("failed to close zlib reader: %v", err)
		}
	}()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(zr, maxDecompressedSize+1)); err != nil {
		return nil, errors.Wrap(err, "decompress data")
	}
	if buf.Len() > maxDecompressedSize {
		return nil, errors.Errorf("decompressed object exceeds maximum allowed size of %s",
			humanize.Bytes(maxDecompressedSize))
	}

	return buf.Bytes(), nil
}
