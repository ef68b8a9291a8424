// Package filesys gives the session its virtual filesystem: game files,
// split game images and the content providers titles are resolved from.
package filesys

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"

	"github.com/spf13/afero"
)

// VirtualFile is a read-only file of known size.
type VirtualFile interface {
	io.ReaderAt
	io.Closer
	Name() string
	Size() int64
}

// ErrEmptySplit is returned for a split-file directory without parts.
var ErrEmptySplit = errors.New("filesys: split directory has no parts")

// NewFilesystem returns the session's default filesystem: the host
// filesystem, read-only.
func NewFilesystem() afero.Fs {
	return afero.NewReadOnlyFs(afero.NewOsFs())
}

type aferoFile struct {
	f    afero.File
	name string
	size int64
}

func (f *aferoFile) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *aferoFile) Close() error                            { return f.f.Close() }
func (f *aferoFile) Name() string                            { return f.name }
func (f *aferoFile) Size() int64                             { return f.size }

// OpenFile opens a regular file of fs.
func OpenFile(fs afero.Fs, name string) (VirtualFile, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("filesys: %s is a directory", name)
	}
	return &aferoFile{f: f, name: path.Base(name), size: st.Size()}, nil
}

// OpenGameFile opens name as a game image. A directory is read as a split
// image: parts named 00, 01, ... concatenated in order.
func OpenGameFile(fs afero.Fs, name string) (VirtualFile, error) {
	st, err := fs.Stat(name)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return OpenFile(fs, name)
	}

	entries, err := afero.ReadDir(fs, name)
	if err != nil {
		return nil, err
	}
	type part struct {
		index int
		name  string
	}
	var parts []part
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		i, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		parts = append(parts, part{i, e.Name()})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySplit, name)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
	for i, p := range parts {
		if p.index != i {
			return nil, fmt.Errorf("filesys: %s: missing part %02d", name, i)
		}
	}

	files := make([]VirtualFile, 0, len(parts))
	for _, p := range parts {
		f, err := OpenFile(fs, path.Join(name, p.name))
		if err != nil {
			for _, open := range files {
				open.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return NewConcatenatedFile(path.Base(name), files), nil
}

// ConcatenatedFile reads several files as one.
type ConcatenatedFile struct {
	name   string
	parts  []VirtualFile
	starts []int64
	size   int64
}

func NewConcatenatedFile(name string, parts []VirtualFile) *ConcatenatedFile {
	c := &ConcatenatedFile{name: name, parts: parts}
	for _, p := range parts {
		c.starts = append(c.starts, c.size)
		c.size += p.Size()
	}
	return c
}

func (c *ConcatenatedFile) Name() string { return c.name }
func (c *ConcatenatedFile) Size() int64  { return c.size }

func (c *ConcatenatedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("filesys: negative offset %d", off)
	}
	if off >= c.size {
		return 0, io.EOF
	}
	// First part holding off.
	i := sort.Search(len(c.starts), func(i int) bool { return c.starts[i] > off }) - 1

	n := 0
	for n < len(p) && i < len(c.parts) {
		part := c.parts[i]
		rel := off + int64(n) - c.starts[i]
		want := len(p) - n
		if left := part.Size() - rel; int64(want) > left {
			want = int(left)
		}
		m, err := part.ReadAt(p[n:n+want], rel)
		n += m
		if err != nil && !(errors.Is(err, io.EOF) && m == want) {
			return n, err
		}
		i++
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *ConcatenatedFile) Close() error {
	var first error
	for _, p := range c.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
