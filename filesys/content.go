package filesys

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ContentType is the kind of a content entry.
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentControl
	ContentData
)

var contentExt = [...]string{
	ContentProgram: "hlex",
	ContentControl: "ctrl",
	ContentData:    "data",
}

func (t ContentType) String() string {
	if int(t) < len(contentExt) {
		return contentExt[t]
	}
	return "ContentType(" + strconv.Itoa(int(t)) + ")"
}

// ContentEntry names one entry of a provider.
type ContentEntry struct {
	ProgramID uint64
	Type      ContentType
}

// ContentProvider resolves program IDs to files.
type ContentProvider interface {
	HasEntry(programID uint64, t ContentType) bool
	Entry(programID uint64, t ContentType) (VirtualFile, error)
	ListEntries() []ContentEntry
}

// ContentProviderSlot orders the providers of a union.
type ContentProviderSlot uint8

const (
	SlotSysNAND ContentProviderSlot = iota
	SlotUserNAND
	SlotSDMC
	SlotFrontend
	slotCount
)

// ContentProviderUnion looks entries up in every slot, in slot order.
type ContentProviderUnion struct {
	slots [slotCount]ContentProvider
}

func NewContentProviderUnion() *ContentProviderUnion { return &ContentProviderUnion{} }

func (u *ContentProviderUnion) SetSlot(s ContentProviderSlot, p ContentProvider) { u.slots[s] = p }
func (u *ContentProviderUnion) ClearSlot(s ContentProviderSlot)                  { u.slots[s] = nil }
func (u *ContentProviderUnion) Slot(s ContentProviderSlot) ContentProvider       { return u.slots[s] }

func (u *ContentProviderUnion) HasEntry(programID uint64, t ContentType) bool {
	for _, p := range u.slots {
		if p != nil && p.HasEntry(programID, t) {
			return true
		}
	}
	return false
}

func (u *ContentProviderUnion) Entry(programID uint64, t ContentType) (VirtualFile, error) {
	for _, p := range u.slots {
		if p != nil && p.HasEntry(programID, t) {
			return p.Entry(programID, t)
		}
	}
	return nil, fmt.Errorf("filesys: no %s entry for program %016x", t, programID)
}

// ListEntries merges every slot's entries, without duplicates.
func (u *ContentProviderUnion) ListEntries() []ContentEntry {
	seen := make(map[ContentEntry]bool)
	var out []ContentEntry
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		for _, e := range p.ListEntries() {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(es []ContentEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].ProgramID != es[j].ProgramID {
			return es[i].ProgramID < es[j].ProgramID
		}
		return es[i].Type < es[j].Type
	})
}

// DirectoryProvider serves files named <program id>.<type> from one
// directory, for example 0100000000010000.hlex.
type DirectoryProvider struct {
	fs  afero.Fs
	dir string
}

func NewDirectoryProvider(fs afero.Fs, dir string) *DirectoryProvider {
	return &DirectoryProvider{fs: fs, dir: dir}
}

func (d *DirectoryProvider) path(programID uint64, t ContentType) string {
	return path.Join(d.dir, fmt.Sprintf("%016x.%s", programID, t))
}

func (d *DirectoryProvider) HasEntry(programID uint64, t ContentType) bool {
	ok, err := afero.Exists(d.fs, d.path(programID, t))
	return err == nil && ok
}

func (d *DirectoryProvider) Entry(programID uint64, t ContentType) (VirtualFile, error) {
	return OpenGameFile(d.fs, d.path(programID, t))
}

func (d *DirectoryProvider) ListEntries() []ContentEntry {
	infos, err := afero.ReadDir(d.fs, d.dir)
	if err != nil {
		return nil
	}
	var out []ContentEntry
	for _, fi := range infos {
		base, ext, ok := strings.Cut(fi.Name(), ".")
		if !ok || len(base) != 16 {
			continue
		}
		id, err := strconv.ParseUint(base, 16, 64)
		if err != nil {
			continue
		}
		for t, e := range contentExt {
			if e == ext {
				out = append(out, ContentEntry{ProgramID: id, Type: ContentType(t)})
			}
		}
	}
	sortEntries(out)
	return out
}
