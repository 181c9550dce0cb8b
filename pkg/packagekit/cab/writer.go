package cab

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// CompressionType is the typeCompress field of a CFFOLDER.
type CompressionType uint16

const (
	CompressNone  CompressionType = 0x0000
	CompressMSZIP CompressionType = 0x0001
)

const (
	// blockSize is the most uncompressed data a single CFDATA may carry.
	blockSize = 0x8000
	// MSZIP may grow a block slightly. The format allows 12 bytes of slack.
	maxCompressedBlock = blockSize + 12

	headerSize     = 36
	folderSize     = 8
	fileFixedSize  = 16
	dataHeaderSize = 8

	maxFolderBytes = 0x7FFF8000
	maxNameLength  = 255
	maxCount       = 0xFFFF

	versionMinor = 3
	versionMajor = 1

	attrArchive   = 0x20
	attrNameIsUTF = 0x80
)

var (
	signature = []byte("MSCF")
	mszipMark = []byte("CK")

	errClosed   = errors.New("cabinet writer is closed")
	errNoFolder = errors.New("no folder to add file to, call AddFolder first")
)

type folderInfo struct {
	compression CompressionType
	spoolOffset int64 // where this folder's first CFDATA lands in the spool
	blocks      int
	size        int64 // uncompressed
}

type fileInfo struct {
	name    string
	size    uint32
	offset  uint32 // uncompressed offset within the folder
	folder  uint16
	date    uint16
	time    uint16
	attribs uint16
}

// Writer builds a single cabinet. It is not safe for concurrent use.
type Writer struct {
	out      io.Writer
	spool    *os.File
	spoolDir string
	spoolLen int64
	level    int
	setID    uint16

	folders []*folderInfo
	files   []fileInfo

	pending  []byte
	deflater *flate.Writer
	blockBuf bytes.Buffer

	closed bool
}

type Opt func(*Writer)

// WithSpoolDir sets where the temporary data spool is created. The
// default is os.TempDir.
func WithSpoolDir(dir string) Opt {
	return func(w *Writer) {
		w.spoolDir = dir
	}
}

// WithCompressionLevel sets the deflate level used for MSZIP folders.
func WithCompressionLevel(level int) Opt {
	return func(w *Writer) {
		w.level = level
	}
}

// WithSetID sets the setID header field. Only meaningful for cabinet
// sets spanning several files, which this package does not produce.
func WithSetID(id uint16) Opt {
	return func(w *Writer) {
		w.setID = id
	}
}

// NewWriter returns a Writer that will emit a cabinet to out when
// Close is called.
func NewWriter(out io.Writer, opts ...Opt) (*Writer, error) {
	w := &Writer{
		out:     out,
		level:   flate.BestCompression,
		pending: make([]byte, 0, blockSize),
	}

	for _, opt := range opts {
		opt(w)
	}

	spool, err := os.CreateTemp(w.spoolDir, "cab-spool-")
	if err != nil {
		return nil, errors.Wrap(err, "creating cabinet spool")
	}
	w.spool = spool

	return w, nil
}

// AddFolder starts a new folder. Every file added afterwards is stored in
// it until the next AddFolder call. Each folder is an independent
// decompression unit.
func (w *Writer) AddFolder(compression CompressionType) error {
	if w.closed {
		return errClosed
	}

	switch compression {
	case CompressNone, CompressMSZIP:
	default:
		return errors.Errorf("unsupported compression type %#04x", uint16(compression))
	}

	if len(w.folders) >= maxCount {
		return errors.Errorf("cabinet cannot hold more than %d folders", maxCount)
	}

	if err := w.flushBlock(); err != nil {
		return errors.Wrap(err, "closing previous folder")
	}

	w.folders = append(w.folders, &folderInfo{
		compression: compression,
		spoolOffset: w.spoolLen,
	})

	return nil
}

// AddFile streams r into the current folder under name. It returns the
// number of bytes stored.
func (w *Writer) AddFile(name string, modTime time.Time, r io.Reader) (int64, error) {
	if w.closed {
		return 0, errClosed
	}
	if len(w.folders) == 0 {
		return 0, errNoFolder
	}
	if err := validateName(name); err != nil {
		return 0, err
	}
	if len(w.files) >= maxCount {
		return 0, errors.Errorf("cabinet cannot hold more than %d files", maxCount)
	}

	folderIndex := len(w.folders) - 1
	folder := w.folders[folderIndex]
	start := folder.size

	n, err := io.Copy(folderWriter{w}, r)
	if err != nil {
		return n, errors.Wrapf(err, "writing %s into cabinet", name)
	}

	attribs := uint16(attrArchive)
	if !isASCII(name) {
		attribs |= attrNameIsUTF
	}

	date, clock := dosDateTime(modTime)
	w.files = append(w.files, fileInfo{
		name:    name,
		size:    uint32(n),
		offset:  uint32(start),
		folder:  uint16(folderIndex),
		date:    date,
		time:    clock,
		attribs: attribs,
	})

	return n, nil
}

// Close flushes the final data block, writes the cabinet to the
// underlying writer, and removes the spool. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.removeSpool()

	if len(w.folders) > 0 {
		if err := w.flushBlock(); err != nil {
			return errors.Wrap(err, "flushing final block")
		}
	}

	filesLen := int64(0)
	for _, f := range w.files {
		filesLen += fileFixedSize + int64(len(f.name)) + 1
	}

	filesOffset := int64(headerSize + folderSize*len(w.folders))
	dataOffset := filesOffset + filesLen
	total := dataOffset + w.spoolLen
	if total > 0xFFFFFFFF {
		return errors.Errorf("cabinet would be %d bytes, larger than the format allows", total)
	}

	hdr := new(bytes.Buffer)
	le := binary.LittleEndian

	hdr.Write(signature)
	binary.Write(hdr, le, uint32(0))           // reserved1
	binary.Write(hdr, le, uint32(total))       // cbCabinet
	binary.Write(hdr, le, uint32(0))           // reserved2
	binary.Write(hdr, le, uint32(filesOffset)) // coffFiles
	binary.Write(hdr, le, uint32(0))           // reserved3
	hdr.WriteByte(versionMinor)
	hdr.WriteByte(versionMajor)
	binary.Write(hdr, le, uint16(len(w.folders)))
	binary.Write(hdr, le, uint16(len(w.files)))
	binary.Write(hdr, le, uint16(0)) // flags: no reserve, no prev/next cabinet
	binary.Write(hdr, le, w.setID)
	binary.Write(hdr, le, uint16(0)) // iCabinet

	for _, f := range w.folders {
		binary.Write(hdr, le, uint32(dataOffset+f.spoolOffset))
		binary.Write(hdr, le, uint16(f.blocks))
		binary.Write(hdr, le, uint16(f.compression))
	}

	for _, f := range w.files {
		binary.Write(hdr, le, f.size)
		binary.Write(hdr, le, f.offset)
		binary.Write(hdr, le, f.folder)
		binary.Write(hdr, le, f.date)
		binary.Write(hdr, le, f.time)
		binary.Write(hdr, le, f.attribs)
		hdr.WriteString(f.name)
		hdr.WriteByte(0)
	}

	if _, err := w.out.Write(hdr.Bytes()); err != nil {
		return errors.Wrap(err, "writing cabinet header")
	}

	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding cabinet spool")
	}

	if _, err := io.Copy(w.out, w.spool); err != nil {
		return errors.Wrap(err, "copying cabinet data")
	}

	return nil
}

func (w *Writer) removeSpool() {
	if w.spool == nil {
		return
	}
	w.spool.Close()
	os.Remove(w.spool.Name())
	w.spool = nil
}

// write appends p to the current folder, emitting a data block every
// time a full 32 KiB has accumulated.
func (w *Writer) write(p []byte) (int, error) {
	folder := w.folders[len(w.folders)-1]
	if folder.size+int64(len(p)) > maxFolderBytes {
		return 0, errors.Errorf("folder would exceed %d bytes", maxFolderBytes)
	}

	written := 0
	for len(p) > 0 {
		room := blockSize - len(w.pending)
		if room > len(p) {
			room = len(p)
		}

		w.pending = append(w.pending, p[:room]...)
		p = p[room:]
		written += room
		folder.size += int64(room)

		if len(w.pending) == blockSize {
			if err := w.flushBlock(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// flushBlock writes whatever is pending as one CFDATA record.
func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}

	folder := w.folders[len(w.folders)-1]
	if folder.blocks >= maxCount {
		return errors.Errorf("folder cannot hold more than %d data blocks", maxCount)
	}

	payload := w.pending
	if folder.compression == CompressMSZIP {
		compressed, err := w.mszip(w.pending)
		if err != nil {
			return err
		}
		payload = compressed
	}

	var hdr [dataHeaderSize]byte
	// csum stays zero, which the format defines as "not computed".
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(w.pending)))

	if _, err := w.spool.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "spooling data block header")
	}
	if _, err := w.spool.Write(payload); err != nil {
		return errors.Wrap(err, "spooling data block")
	}

	w.spoolLen += int64(dataHeaderSize + len(payload))
	folder.blocks++
	w.pending = w.pending[:0]

	return nil
}

// mszip compresses one block. Each block gets a fresh deflate stream
// terminated with a final block, so blocks decode independently.
func (w *Writer) mszip(block []byte) ([]byte, error) {
	w.blockBuf.Reset()
	w.blockBuf.Write(mszipMark)

	if w.deflater == nil {
		fw, err := flate.NewWriter(&w.blockBuf, w.level)
		if err != nil {
			return nil, errors.Wrap(err, "creating deflate writer")
		}
		w.deflater = fw
	} else {
		w.deflater.Reset(&w.blockBuf)
	}

	if _, err := w.deflater.Write(block); err != nil {
		return nil, errors.Wrap(err, "deflating block")
	}
	if err := w.deflater.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing deflate block")
	}

	if w.blockBuf.Len() > maxCompressedBlock {
		return nil, errors.Errorf("compressed block is %d bytes, over the %d byte limit", w.blockBuf.Len(), maxCompressedBlock)
	}

	return w.blockBuf.Bytes(), nil
}

type folderWriter struct {
	w *Writer
}

func (fw folderWriter) Write(p []byte) (int, error) {
	return fw.w.write(p)
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("cabinet file name is empty")
	case len(name) > maxNameLength:
		return errors.Errorf("cabinet file name %q is longer than %d bytes", name, maxNameLength)
	case strings.ContainsRune(name, 0):
		return errors.Errorf("cabinet file name %q contains a NUL byte", name)
	case !utf8.ValidString(name):
		return errors.Errorf("cabinet file name %q is not valid UTF-8", name)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// dosDateTime packs t into the FAT date and time fields. Times outside
// the representable range are clamped.
func dosDateTime(t time.Time) (uint16, uint16) {
	if t.IsZero() || t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}

	date := uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)

	return date, clock
}
