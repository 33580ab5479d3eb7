package mime

// Kind is the semantic kind of a parsed body leaf.
type Kind int

const (
	// KindText marks text/* and message/* leaves.
	KindText Kind = iota
	// KindFile marks binary leaves (attachments, images).
	KindFile
)

// HashType names a digest computed over a part's decoded bytes.
type HashType string

const (
	HashMD5    HashType = "md5"
	HashSHA1   HashType = "sha1"
	HashSHA256 HashType = "sha256"
)

// Part is one decoded body leaf: its own header subset, the decoded
// bytes, size and Base64-encoded digests.
type Part struct {
	headers  *Headers
	kind     Kind
	body     []byte
	size     int
	hashes   map[HashType]string
	filename string
}

// Headers returns the part's header subset.
func (p *Part) Headers() *Headers {
	return p.headers
}

// Kind returns the semantic kind.
func (p *Part) Kind() Kind {
	return p.kind
}

// Body returns the decoded bytes.
func (p *Part) Body() []byte {
	return p.body
}

// Size returns the decoded byte count.
func (p *Part) Size() int {
	return p.size
}

// Hash returns the Base64-encoded digest for the given type.
func (p *Part) Hash(t HashType) string {
	return p.hashes[t]
}

// Filename returns the derived or synthesized filename.
func (p *Part) Filename() string {
	return p.filename
}
