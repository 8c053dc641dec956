package mega

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Filesystem node types
const (
	FILE   = 0
	FOLDER = 1
	ROOT   = 2
	INBOX  = 3
	TRASH  = 4
)

// Names of the nodes which carry no attributes
const (
	rootName    = "Cloud Drive"
	inboxName   = "InBox"
	trashName   = "Trash"
	badAttrName = "BAD ATTRIBUTE"
)

// DecryptData holds what is needed to decrypt the contents of one file
type DecryptData struct {
	ContentKey [4]uint32
	IV         [4]uint32
	MetaMac    [2]uint32
	FileSize   int64
}

// DecryptedNode is a Node together with what was decrypted from it
type DecryptedNode struct {
	Node
	name string
	attr FileAttr
	// full unwrapped key, nil when no key could be found
	key  []uint32
	data *DecryptData
	// handle of the public folder the node was listed from
	folder string
	// node of a public file link, fetched with "p" instead of "n"
	public bool
}

func (n *DecryptedNode) GetType() int {
	return n.T
}

func (n *DecryptedNode) GetSize() int64 {
	return n.Sz
}

func (n *DecryptedNode) GetTimeStamp() time.Time {
	return time.Unix(n.Ts, 0)
}

func (n *DecryptedNode) GetName() string {
	return n.name
}

func (n *DecryptedNode) GetHash() string {
	return n.Hash
}

// GetAttr returns a copy of the decrypted attributes
func (n *DecryptedNode) GetAttr() FileAttr {
	attr := make(FileAttr, len(n.attr))
	for k, v := range n.attr {
		attr[k] = v
	}
	return attr
}

// HasKey reports whether the node key could be unwrapped
func (n *DecryptedNode) HasKey() bool {
	return n.key != nil
}

// DecryptData returns a copy of the content decryption parameters of
// a file, or nil for folders and nodes without a key.
func (n *DecryptedNode) DecryptData() *DecryptData {
	if n.data == nil {
		return nil
	}
	d := *n.data
	return &d
}

// the owner of the keys of exported (public link) nodes
const exportOwner = "EXP"

// SharedKeyTable maps an owner handle to the shared keys it granted,
// by the handle of the shared node. Entries are never replaced.
type SharedKeyTable struct {
	mu   sync.RWMutex
	keys map[string]map[string][]uint32
}

func NewSharedKeyTable() *SharedKeyTable {
	return &SharedKeyTable{keys: make(map[string]map[string][]uint32)}
}

// Add records key for owner and node. It returns false and keeps the
// old key if one was already recorded.
func (t *SharedKeyTable) Add(owner, node string, key []uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.keys[owner]
	if !ok {
		nodes = make(map[string][]uint32)
		t.keys[owner] = nodes
	}
	if _, ok := nodes[node]; ok {
		return false
	}
	nodes[node] = append([]uint32(nil), key...)
	return true
}

// Get returns the key owner granted for node
func (t *SharedKeyTable) Get(owner, node string) ([]uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.keys[owner][node]
	return key, ok
}

// HasOwner reports whether any key of owner is known
func (t *SharedKeyTable) HasOwner(owner string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys[owner]) > 0
}

// Owner returns a copy of the keys granted by owner
func (t *SharedKeyTable) Owner(owner string) map[string][]uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]uint32, len(t.keys[owner]))
	for h, k := range t.keys[owner] {
		out[h] = k
	}
	return out
}

// Mega filesystem object
type MegaFS struct {
	root   string
	trash  string
	inbox  string
	sroots []string
	lookup map[string]*DecryptedNode
	// node hashes in the order they were added
	order []string
	keys  *SharedKeyTable
	mutex sync.Mutex
	// handle of the public folder link this was listed from
	folderHandle string
}

func newMegaFS() *MegaFS {
	return &MegaFS{
		lookup: make(map[string]*DecryptedNode),
		keys:   NewSharedKeyTable(),
	}
}

// Get filesystem root node
func (fs *MegaFS) GetRoot() *DecryptedNode {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.lookup[fs.root]
}

// Get filesystem trash node
func (fs *MegaFS) GetTrash() *DecryptedNode {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.lookup[fs.trash]
}

// Get inbox node
func (fs *MegaFS) GetInbox() *DecryptedNode {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.lookup[fs.inbox]
}

// Get top level directory nodes shared by other users
func (fs *MegaFS) GetSharedRoots() []*DecryptedNode {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	nodes := make([]*DecryptedNode, 0, len(fs.sroots))
	for _, h := range fs.sroots {
		nodes = append(nodes, fs.lookup[h])
	}
	return nodes
}

// SharedKeys returns the table of shared keys seen while listing
func (fs *MegaFS) SharedKeys() *SharedKeyTable {
	return fs.keys
}

// Get a node pointer from its hash
func (fs *MegaFS) HashLookup(h string) *DecryptedNode {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return fs.lookup[h]
}

// Len returns the number of nodes
func (fs *MegaFS) Len() int {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	return len(fs.lookup)
}

// Roots returns the hashes of the top level nodes
func (fs *MegaFS) Roots() []string {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	var roots []string
	for _, h := range []string{fs.root, fs.inbox, fs.trash} {
		if h != "" {
			roots = append(roots, h)
		}
	}
	return append(roots, fs.sroots...)
}

func (fs *MegaFS) childrenLocked() map[string][]*DecryptedNode {
	children := make(map[string][]*DecryptedNode)
	for _, h := range fs.order {
		n := fs.lookup[h]
		children[n.Parent] = append(children[n.Parent], n)
	}
	return children
}

// Get the list of child nodes for a given node
func (fs *MegaFS) GetChildren(n *DecryptedNode) ([]*DecryptedNode, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if n == nil {
		return nil, EARGS
	}
	if _, ok := fs.lookup[n.Hash]; !ok {
		return nil, ENOENT
	}
	return fs.childrenLocked()[n.Hash], nil
}

// Retreive all the nodes in the given node tree path by name
// This method returns array of nodes upto the matched subpath
// (in same order as input names array) even if the target node is not located.
func (fs *MegaFS) PathLookup(root *DecryptedNode, ns []string) ([]*DecryptedNode, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if root == nil {
		return nil, EARGS
	}

	all := fs.childrenLocked()
	nodepath := []*DecryptedNode{}
	children := all[root.Hash]
	for _, name := range ns {
		found := false
		for _, n := range children {
			if n.name == name {
				nodepath = append(nodepath, n)
				children = all[n.Hash]
				found = true
				break
			}
		}
		if !found {
			return nodepath, ENOENT
		}
	}
	return nodepath, nil
}

// BuildIndex maps the slash separated path of every node below the
// given roots, the roots included, to the node.
//
// A node reached again while its own subtree is being walked fails
// the whole build with ErrCyclicTree.
func (fs *MegaFS) BuildIndex(roots ...string) (map[string]*DecryptedNode, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	children := fs.childrenLocked()
	index := make(map[string]*DecryptedNode)
	onPath := make(map[string]bool)

	var walk func(n *DecryptedNode, p string) error
	walk = func(n *DecryptedNode, p string) error {
		if onPath[n.Hash] {
			return fmt.Errorf("%w: node %s", ErrCyclicTree, n.Hash)
		}
		onPath[n.Hash] = true
		defer delete(onPath, n.Hash)

		for _, c := range children[n.Hash] {
			cp := p + "/" + c.name
			index[cp] = c
			if c.T == FOLDER || onPath[c.Hash] {
				if err := walk(c, cp); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, r := range roots {
		n, ok := fs.lookup[r]
		if !ok {
			return nil, fmt.Errorf("root %s: %w", r, ENOENT)
		}
		index[n.name] = n
		if err := walk(n, n.name); err != nil {
			return nil, err
		}
	}
	return index, nil
}

// Index is BuildIndex over all top level nodes
func (fs *MegaFS) Index() (map[string]*DecryptedNode, error) {
	return fs.BuildIndex(fs.Roots()...)
}

// parseNodeKeys splits a key string "h1:k1/h2:k2" into its parts by handle
func parseNodeKeys(k string) map[string]string {
	keys := make(map[string]string)
	for _, part := range strings.Split(k, "/") {
		h, key, ok := strings.Cut(part, ":")
		if ok && key != "" {
			keys[h] = key
		}
	}
	return keys
}

// unwrapKey decodes and decrypts a base64 key with key
func unwrapKey(enc string, key []uint32) ([]uint32, error) {
	a, err := base64_to_a32(enc)
	if err != nil {
		return nil, &KeyFormatError{What: "node key", Err: err}
	}
	return decryptKey(a, key)
}

// decryptNode finds the key of itm and decrypts its attributes. mk is
// the master key, nil when listing a public folder.
//
// Shared keys announced by itm are added to the table first.
func (fs *MegaFS) decryptNode(itm Node, mk []uint32) (*DecryptedNode, error) {
	n := &DecryptedNode{Node: itm}

	switch itm.T {
	case ROOT:
		n.name = rootName
		return n, nil
	case INBOX:
		n.name = inboxName
		return n, nil
	case TRASH:
		n.name = trashName
		return n, nil
	case FILE, FOLDER:
	default:
		return nil, fmt.Errorf("node %s: unknown type %d", itm.Hash, itm.T)
	}

	keys := parseNodeKeys(itm.Key)
	var key []uint32
	var err error
	switch {
	// File or folder owned by current user
	case mk != nil && keys[itm.User] != "":
		key, err = unwrapKey(keys[itm.User], mk)
	// Shared folder
	case mk != nil && itm.SUser != "" && itm.SKey != "" && keys[itm.Hash] != "":
		var sk []uint32
		sk, err = unwrapKey(itm.SKey, mk)
		if err != nil {
			break
		}
		fs.keys.Add(itm.SUser, itm.Hash, sk)
		key, err = unwrapKey(keys[itm.Hash], sk)
	// Shared file
	case itm.User != "" && fs.keys.HasOwner(itm.User):
		for h, sk := range fs.keys.Owner(itm.User) {
			if enc, ok := keys[h]; ok {
				key, err = unwrapKey(enc, sk)
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	// Exported through a public link
	if key == nil {
		if sk, ok := fs.keys.Get(exportOwner, itm.Hash); ok {
			enc := itm.Key[strings.LastIndex(itm.Key, ":")+1:]
			key, err = unwrapKey(enc, sk)
		} else {
			for h, enc := range keys {
				if sk, ok := fs.keys.Get(exportOwner, h); ok {
					key, err = unwrapKey(enc, sk)
					break
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if key == nil {
		n.name = badAttrName
		return n, nil
	}

	var ckey []uint32
	switch itm.T {
	case FILE:
		n.data, err = newDecryptData(key, itm.Sz)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", itm.Hash, err)
		}
		ckey = n.data.ContentKey[:]
	default:
		if len(key) < 4 {
			return nil, &KeyFormatError{What: fmt.Sprintf("folder key of node %s has %d words", itm.Hash, len(key))}
		}
		ckey = key[:4]
	}
	n.key = key

	bkey, err := a32_to_bytes(ckey)
	if err != nil {
		return nil, err
	}
	n.attr, err = decryptAttr(bkey, itm.Attr)
	if err != nil {
		n.name = badAttrName
		return n, err
	}
	n.name = n.attr.Name()
	return n, nil
}

// newDecryptData splits the 8 word key of a file into the content key,
// the counter IV and the meta MAC
func newDecryptData(key []uint32, size int64) (*DecryptData, error) {
	if len(key) < 8 {
		return nil, &KeyFormatError{What: fmt.Sprintf("file key has %d words, want 8", len(key))}
	}
	d := &DecryptData{FileSize: size}
	for i := 0; i < 4; i++ {
		d.ContentKey[i] = key[i] ^ key[i+4]
	}
	d.IV = [4]uint32{key[4], key[5], 0, 0}
	d.MetaMac = [2]uint32{key[6], key[7]}
	return d, nil
}

// initSharedKeys records the keys of folders shared with the account:
// "ok" holds the wrapped keys, "s" says who shared them. Keys which
// can't be unwrapped are returned by share handle.
func (fs *MegaFS) initSharedKeys(res *FilesResp, mk []uint32) map[string]error {
	failed := make(map[string]error)
	ok := make(map[string][]uint32, len(res.Ok))
	for _, o := range res.Ok {
		sk, err := unwrapKey(o.Key, mk)
		if err != nil {
			failed[o.Hash] = err
			continue
		}
		ok[o.Hash] = sk
	}
	for _, s := range res.S {
		if sk, found := ok[s.Hash]; found {
			fs.keys.Add(s.User, s.Hash, sk)
		}
	}
	return failed
}

// addNode stores a decrypted node. Called with the mutex held.
func (fs *MegaFS) addNode(n *DecryptedNode) {
	n.folder = fs.folderHandle
	if _, ok := fs.lookup[n.Hash]; !ok {
		fs.order = append(fs.order, n.Hash)
	}
	fs.lookup[n.Hash] = n

	switch n.T {
	case ROOT:
		fs.root = n.Hash
	case INBOX:
		fs.inbox = n.Hash
	case TRASH:
		fs.trash = n.Hash
	}
	// Shared directories
	if n.SUser != "" && n.SKey != "" {
		fs.sroots = append(fs.sroots, n.Hash)
	}
}

// loadNodes decrypts and stores a listing, logging nodes which fail
func (m *Mega) loadNodes(fs *MegaFS, res *FilesResp, mk []uint32) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if mk != nil {
		for h, err := range fs.initSharedKeys(res, mk) {
			m.log.Warn().Err(err).Str("share", h).Msg("Couldn't decode share key")
		}
	}
	for _, itm := range res.F {
		n, err := fs.decryptNode(itm, mk)
		if err != nil {
			m.log.Warn().Err(err).Str("node", itm.Hash).Msg("Couldn't decode node")
			if n == nil {
				continue
			}
		}
		if n.name == badAttrName {
			m.log.Debug().Str("node", itm.Hash).Msg("Node kept without attributes")
		}
		fs.addNode(n)
	}
}

// Get all nodes from filesystem
func (m *Mega) getFileSystem(ctx context.Context) error {
	k, err := m.masterKey()
	if err != nil {
		return err
	}
	mk, err := bytes_to_a32(k)
	if err != nil {
		return err
	}

	var msg [1]FilesMsg
	var res [1]FilesResp

	msg[0].Cmd = "f"
	msg[0].C = 1

	err = m.withRetry(ctx, "f", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	if err != nil {
		return err
	}

	fs := newMegaFS()
	m.loadNodes(fs, &res[0], mk)

	m.mu.Lock()
	m.FS = fs
	m.mu.Unlock()

	m.log.Debug().Int("nodes", fs.Len()).Msg("Filesystem loaded")
	return nil
}

// Filesystem returns the account tree loaded at login
func (m *Mega) Filesystem() *MegaFS {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FS
}

// Refresh reloads the account tree
func (m *Mega) Refresh(ctx context.Context) error {
	return m.getFileSystem(ctx)
}
