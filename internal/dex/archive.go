package dex

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MultiDexSeparator joins an archive location and a secondary entry name.
const MultiDexSeparator = ':'

// Archive is an opened bytecode archive: either a zip holding classes*.dex
// entries or a bare dex file. Its contents stay mapped until Close.
type Archive struct {
	Location string
	Files    []*File

	mapping []byte
}

// MultiDexEntryName returns the zip entry name of the i'th dex file.
func MultiDexEntryName(i int) string {
	if i == 0 {
		return "classes.dex"
	}
	return fmt.Sprintf("classes%d.dex", i+1)
}

// MultiDexLocation returns the location recorded for the i'th dex file of
// the archive at location.
func MultiDexLocation(location string, i int) string {
	if i == 0 {
		return location
	}
	return location + string(MultiDexSeparator) + MultiDexEntryName(i)
}

// BaseLocation strips a multidex suffix from location.
func BaseLocation(location string) string {
	if i := strings.LastIndexByte(location, MultiDexSeparator); i >= 0 &&
		strings.HasSuffix(location, ".dex") && strings.HasPrefix(location[i+1:], "classes") {
		return location[:i]
	}
	return location
}

// OpenArchive maps the file at path and opens its dex files. location is
// the logical location recorded in outputs; empty means path.
func OpenArchive(path, location string, verifyChecksum bool) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if location == "" {
		location = path
	}
	return OpenArchiveFd(int(f.Fd()), location, verifyChecksum)
}

// OpenArchiveFd maps an already open file descriptor. The descriptor is not
// closed.
func OpenArchiveFd(fd int, location string, verifyChecksum bool) (*Archive, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrapf(err, "fstat %s", location)
	}
	if st.Size == 0 {
		return nil, errors.Errorf("%s: empty archive", location)
	}
	mapping, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", location)
	}
	a := &Archive{Location: location, mapping: mapping}
	if err := a.open(verifyChecksum); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenArchiveBytes opens an archive held in memory.
func OpenArchiveBytes(data []byte, location string, verifyChecksum bool) (*Archive, error) {
	a := &Archive{Location: location}
	if err := a.openData(data, verifyChecksum); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) open(verifyChecksum bool) error {
	return a.openData(a.mapping, verifyChecksum)
}

func (a *Archive) openData(data []byte, verifyChecksum bool) error {
	if bytes.HasPrefix(data, magicPrefix) {
		df, err := Parse(a.Location, data, verifyChecksum)
		if err != nil {
			return err
		}
		a.Files = []*File{df}
		return nil
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrapf(err, "%s: not a dex file or zip archive", a.Location)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		entries[zf.Name] = zf
	}
	for i := 0; ; i++ {
		zf, ok := entries[MultiDexEntryName(i)]
		if !ok {
			break
		}
		contents, err := entryBytes(data, zf)
		if err != nil {
			return errors.Wrapf(err, "%s: extract %s", a.Location, zf.Name)
		}
		df, err := Parse(MultiDexLocation(a.Location, i), contents, verifyChecksum)
		if err != nil {
			return err
		}
		a.Files = append(a.Files, df)
	}
	if len(a.Files) == 0 {
		return errors.Errorf("%s: no classes.dex entry", a.Location)
	}
	return nil
}

// entryBytes returns the uncompressed contents of zf. Stored entries alias
// the archive mapping.
func entryBytes(data []byte, zf *zip.File) ([]byte, error) {
	if zf.Method == zip.Store {
		off, err := zf.DataOffset()
		if err != nil {
			return nil, err
		}
		end := off + int64(zf.UncompressedSize64)
		if end > int64(len(data)) {
			return nil, errors.Errorf("entry %s overruns archive", zf.Name)
		}
		return data[off:end:end], nil
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out := make([]byte, 0, zf.UncompressedSize64)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Size returns the total size of the archive's dex files.
func (a *Archive) Size() int64 {
	var n int64
	for _, f := range a.Files {
		n += int64(f.Size())
	}
	return n
}

// Close releases the archive mapping. The archive's Files must not be used
// afterwards.
func (a *Archive) Close() error {
	if a.mapping == nil {
		return nil
	}
	err := unix.Munmap(a.mapping)
	a.mapping = nil
	return errors.Wrapf(err, "munmap %s", a.Location)
}

// ReadZipEntry returns the contents of the named entry of the zip at path.
func ReadZipEntry(path, name string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open zip %s", path)
	}
	defer zr.Close()
	for _, zf := range zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: open %s", path, name)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		return data, errors.Wrapf(err, "%s: read %s", path, name)
	}
	return nil, errors.Errorf("%s: no entry %s", path, name)
}

// WriteZip writes dex files as classes.dex, classes2.dex, ... into a zip
// archive. Entries are stored uncompressed so they can be mapped directly.
func WriteZip(w io.Writer, dexFiles ...[]byte) error {
	zw := zip.NewWriter(w)
	for i, data := range dexFiles {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: MultiDexEntryName(i), Method: zip.Store})
		if err != nil {
			return errors.Wrap(err, "create zip entry")
		}
		if _, err := fw.Write(data); err != nil {
			return errors.Wrap(err, "write zip entry")
		}
	}
	return errors.Wrap(zw.Close(), "close zip")
}

// WriteZipFile is WriteZip to a new file at path.
func WriteZipFile(path string, dexFiles ...[]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := WriteZip(f, dexFiles...); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
