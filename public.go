package mega

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// LinkKind tells file links from folder links
type LinkKind int

const (
	FileLink LinkKind = iota
	FolderLink
)

// Link is a parsed public link
type Link struct {
	Kind   LinkKind
	Handle string
	Key    string
	// node inside a folder link, if the link points at one
	Child string
}

// ParseLink extracts handle and key from a public link. Accepted forms:
//
//	https://mega.nz/file/<handle>#<key>
//	https://mega.nz/folder/<handle>#<key>[/file/<child>|/folder/<child>]
//	https://mega.nz/#!<handle>!<key>
//	https://mega.nz/#F!<handle>!<key>[!<child>]
func ParseLink(link string) (*Link, error) {
	link = strings.TrimSpace(link)
	if !strings.Contains(link, "://") {
		link = "https://" + strings.TrimPrefix(link, "/")
	}
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid link: %w", err)
	}

	l := &Link{}
	path := strings.Trim(u.Path, "/")
	switch {
	case strings.HasPrefix(path, "file/"):
		l.Kind = FileLink
		l.Handle = strings.TrimPrefix(path, "file/")
		l.Key = u.Fragment
	case strings.HasPrefix(path, "folder/"):
		l.Kind = FolderLink
		l.Handle = strings.TrimPrefix(path, "folder/")
		key, rest, _ := strings.Cut(u.Fragment, "/")
		l.Key = key
		if child, ok := strings.CutPrefix(rest, "file/"); ok {
			l.Child = child
		} else if child, ok := strings.CutPrefix(rest, "folder/"); ok {
			l.Child = child
		}
	case strings.HasPrefix(u.Fragment, "F!"):
		l.Kind = FolderLink
		parts := strings.Split(strings.TrimPrefix(u.Fragment, "F!"), "!")
		if len(parts) < 2 {
			return nil, errors.New("invalid folder link format: missing handle or key")
		}
		l.Handle, l.Key = parts[0], parts[1]
		if len(parts) > 2 {
			l.Child = parts[2]
		}
	case strings.HasPrefix(u.Fragment, "!"):
		l.Kind = FileLink
		parts := strings.Split(strings.TrimPrefix(u.Fragment, "!"), "!")
		if len(parts) < 2 {
			return nil, errors.New("invalid file link format: missing handle or key")
		}
		l.Handle, l.Key = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("unrecognised link %q", link)
	}

	if l.Handle == "" || l.Key == "" {
		return nil, errors.New("empty handle or key")
	}
	return l, nil
}

// GetPublicFile fetches the size and name of the file behind a file
// link. The link key is the export grant: it is the full file key.
func (m *Mega) GetPublicFile(ctx context.Context, handle, key string) (*DecryptedNode, error) {
	fullKey, err := base64_to_a32(key)
	if err != nil {
		return nil, &KeyFormatError{What: "link key", Err: err}
	}

	var msg [1]DownloadMsg
	var res [1]DownloadResp
	msg[0].Cmd = "g"
	msg[0].P = handle
	msg[0].SSM = 1

	err = m.withRetry(ctx, "g", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	if err != nil {
		return nil, err
	}
	if res[0].Err != 0 {
		return nil, parseError(res[0].Err)
	}

	n := &DecryptedNode{Node: Node{Hash: handle, T: FILE, Sz: res[0].Size, Attr: res[0].Attr}}
	n.data, err = newDecryptData(fullKey, res[0].Size)
	if err != nil {
		return nil, err
	}
	n.key = fullKey
	n.public = true

	bkey, err := a32_to_bytes(n.data.ContentKey[:])
	if err != nil {
		return nil, err
	}
	n.attr, err = decryptAttr(bkey, res[0].Attr)
	if err != nil {
		return nil, err
	}
	n.name = n.attr.Name()
	return n, nil
}

// GetPublicFolder lists the tree behind a folder link. Listings are
// kept for the rest of the session.
func (m *Mega) GetPublicFolder(ctx context.Context, handle, key string) (*MegaFS, error) {
	m.mu.RLock()
	cached := m.folders[handle]
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	folderKey, err := base64_to_a32(key)
	if err != nil {
		return nil, &KeyFormatError{What: "folder link key", Err: err}
	}
	if len(folderKey) != 4 {
		return nil, &KeyFormatError{What: fmt.Sprintf("folder link key has %d words", len(folderKey))}
	}

	var msg [1]FilesMsg
	var res [1]FilesResp
	msg[0].Cmd = "f"
	msg[0].C = 1
	msg[0].Ca = 1
	msg[0].R = 1

	err = m.withRetry(ctx, "f", func() error {
		return m.api_call(ctx, msg, &res, map[string]string{"n": handle})
	})
	if err != nil {
		return nil, err
	}
	if len(res[0].F) == 0 {
		return nil, errors.New("empty response for shared folder")
	}

	fs := newMegaFS()
	fs.folderHandle = handle

	// the top node is the one whose parent isn't in the listing
	present := make(map[string]bool, len(res[0].F))
	for _, f := range res[0].F {
		present[f.Hash] = true
	}
	for _, f := range res[0].F {
		if !present[f.Parent] {
			fs.root = f.Hash
			break
		}
	}
	if fs.root == "" {
		return nil, fmt.Errorf("shared folder %s: %w", handle, ErrCyclicTree)
	}
	fs.keys.Add(exportOwner, fs.root, folderKey)

	m.loadNodes(fs, &res[0], nil)
	m.log.Debug().Str("folder", handle).Int("nodes", fs.Len()).Msg("Public folder listed")

	m.mu.Lock()
	m.folders[handle] = fs
	m.mu.Unlock()
	return fs, nil
}

// GetLink resolves a public link to its file nodes by path. For a
// file link the map has the single file under its name.
func (m *Mega) GetLink(ctx context.Context, link *Link) (map[string]*DecryptedNode, *MegaFS, error) {
	if link.Kind == FileLink {
		n, err := m.GetPublicFile(ctx, link.Handle, link.Key)
		if err != nil {
			return nil, nil, err
		}
		return map[string]*DecryptedNode{n.GetName(): n}, nil, nil
	}

	fs, err := m.GetPublicFolder(ctx, link.Handle, link.Key)
	if err != nil {
		return nil, nil, err
	}
	root := fs.root
	if link.Child != "" {
		if fs.HashLookup(link.Child) == nil {
			return nil, nil, fmt.Errorf("node %s: %w", link.Child, ENOENT)
		}
		root = link.Child
	}
	index, err := fs.BuildIndex(root)
	if err != nil {
		return nil, nil, err
	}
	return index, fs, nil
}
