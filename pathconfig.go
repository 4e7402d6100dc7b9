package segstore

import "path/filepath"

// Kind names one of the on-disk file roles a PathConfig resolves. The
// ResourceHash grouping (.rhash, .rhash.lex, .rhash.prefixes) is a single
// logical container spread across three files sharing the ".rhash" kind
// root; List and ModelHash are one file each.
type Kind string

const (
	KindList         Kind = "list"
	KindModelHash    Kind = "model"
	KindResourceHash Kind = "rhash"
)

// PathConfig resolves the <kb>/<segment>/<label>.<kind> naming scheme used
// to locate every container file under a common root directory.
type PathConfig struct {
	Root    string
	KB      string
	Segment string
}

// Path returns the base path for label under kind: root/kb/segment/label.kind.
// For ResourceHash, this is the primary file's path; its lex and prefix
// sibling files are Path()+".lex" and Path()+".prefixes" respectively.
func (c PathConfig) Path(label string, kind Kind) string {
	return filepath.Join(c.Root, c.KB, c.Segment, label+"."+string(kind))
}

// ListPath resolves a List's file path.
func (c PathConfig) ListPath(label string) string { return c.Path(label, KindList) }

// ModelHashPath resolves a ModelHash's file path.
func (c PathConfig) ModelHashPath(label string) string { return c.Path(label, KindModelHash) }

// ResourceHashPath resolves a ResourceHash's primary file path; its lex and
// prefix sibling files live alongside it as ResourceHashPath(label)+".lex"
// and +".prefixes".
func (c PathConfig) ResourceHashPath(label string) string { return c.Path(label, KindResourceHash) }
