package cab

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

type parsedFile struct {
	name    string
	folder  int
	attribs uint16
	date    uint16
	time    uint16
	data    []byte
}

type parsedFolder struct {
	compression CompressionType
	blocks      int
}

type parsedCabinet struct {
	folders []parsedFolder
	files   []parsedFile
}

// parseCabinet decodes everything Writer produces. It is deliberately
// strict about header fields so layout mistakes surface here.
func parseCabinet(t *testing.T, raw []byte) parsedCabinet {
	le := binary.LittleEndian

	require.True(t, len(raw) >= headerSize, "cabinet shorter than header")
	require.Equal(t, "MSCF", string(raw[0:4]))
	require.Equal(t, uint32(len(raw)), le.Uint32(raw[8:12]), "cbCabinet")
	require.Equal(t, byte(versionMinor), raw[24])
	require.Equal(t, byte(versionMajor), raw[25])

	filesOffset := le.Uint32(raw[16:20])
	folderCount := int(le.Uint16(raw[26:28]))
	fileCount := int(le.Uint16(raw[28:30]))
	require.Equal(t, uint16(0), le.Uint16(raw[30:32]), "flags")
	require.Equal(t, uint32(headerSize+folderSize*folderCount), filesOffset)

	var cab parsedCabinet
	folderData := make([][]byte, folderCount)

	for i := 0; i < folderCount; i++ {
		entry := raw[headerSize+i*folderSize:]
		dataStart := le.Uint32(entry[0:4])
		blocks := int(le.Uint16(entry[4:6]))
		compression := CompressionType(le.Uint16(entry[6:8]))
		cab.folders = append(cab.folders, parsedFolder{compression: compression, blocks: blocks})

		pos := int(dataStart)
		var buf bytes.Buffer
		for b := 0; b < blocks; b++ {
			compressedLen := int(le.Uint16(raw[pos+4 : pos+6]))
			uncompressedLen := int(le.Uint16(raw[pos+6 : pos+8]))
			require.LessOrEqual(t, uncompressedLen, blockSize)
			payload := raw[pos+dataHeaderSize : pos+dataHeaderSize+compressedLen]
			pos += dataHeaderSize + compressedLen

			switch compression {
			case CompressNone:
				require.Equal(t, compressedLen, uncompressedLen)
				buf.Write(payload)
			case CompressMSZIP:
				require.Equal(t, "CK", string(payload[:2]))
				inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(payload[2:])))
				require.NoError(t, err)
				require.Len(t, inflated, uncompressedLen)
				buf.Write(inflated)
			default:
				t.Fatalf("unexpected compression %d", compression)
			}
		}
		folderData[i] = buf.Bytes()
	}

	pos := int(filesOffset)
	for i := 0; i < fileCount; i++ {
		size := le.Uint32(raw[pos : pos+4])
		offset := le.Uint32(raw[pos+4 : pos+8])
		folder := int(le.Uint16(raw[pos+8 : pos+10]))
		date := le.Uint16(raw[pos+10 : pos+12])
		clock := le.Uint16(raw[pos+12 : pos+14])
		attribs := le.Uint16(raw[pos+14 : pos+16])
		nameEnd := bytes.IndexByte(raw[pos+fileFixedSize:], 0)
		require.True(t, nameEnd >= 0, "unterminated file name")
		name := string(raw[pos+fileFixedSize : pos+fileFixedSize+nameEnd])
		pos += fileFixedSize + nameEnd + 1

		cab.files = append(cab.files, parsedFile{
			name:    name,
			folder:  folder,
			attribs: attribs,
			date:    date,
			time:    clock,
			data:    folderData[folder][offset : offset+size],
		})
	}

	return cab
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	modTime := time.Date(2021, 6, 15, 10, 30, 44, 0, time.UTC)

	type input struct {
		name   string
		folder int
		data   []byte
	}

	var tests = []struct {
		name        string
		compression []CompressionType
		files       []input
	}{
		{
			name:        "single small file",
			compression: []CompressionType{CompressMSZIP},
			files: []input{
				{name: "app.exe", data: []byte("MZ hello")},
			},
		},
		{
			name:        "empty file",
			compression: []CompressionType{CompressMSZIP},
			files: []input{
				{name: "empty.txt", data: []byte{}},
				{name: "after.txt", data: []byte("after")},
			},
		},
		{
			name:        "spans several blocks",
			compression: []CompressionType{CompressMSZIP},
			files: []input{
				{name: "big.bin", data: randomBytes(1, 3*blockSize+17)},
				{name: "text.txt", data: []byte(strings.Repeat("compressible ", 9000))},
			},
		},
		{
			name:        "stored and compressed folders",
			compression: []CompressionType{CompressNone, CompressMSZIP},
			files: []input{
				{name: "a", folder: 0, data: randomBytes(2, blockSize)},
				{name: "b", folder: 0, data: []byte("bee")},
				{name: "c", folder: 1, data: randomBytes(3, 100)},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			w, err := NewWriter(&out, WithSpoolDir(t.TempDir()))
			require.NoError(t, err)

			current := -1
			for _, f := range tt.files {
				for current < f.folder {
					current++
					require.NoError(t, w.AddFolder(tt.compression[current]))
				}
				n, err := w.AddFile(f.name, modTime, bytes.NewReader(f.data))
				require.NoError(t, err)
				require.Equal(t, int64(len(f.data)), n)
			}
			require.NoError(t, w.Close())

			cab := parseCabinet(t, out.Bytes())
			require.Len(t, cab.folders, len(tt.compression))
			for i, c := range tt.compression {
				require.Equal(t, c, cab.folders[i].compression)
			}

			require.Len(t, cab.files, len(tt.files))
			for i, f := range tt.files {
				require.Equal(t, f.name, cab.files[i].name)
				require.Equal(t, f.folder, cab.files[i].folder)
				require.True(t, bytes.Equal(f.data, cab.files[i].data), "data mismatch for %s", f.name)
				require.Equal(t, uint16(attrArchive), cab.files[i].attribs)
			}
		})
	}
}

func TestWriterBlockCount(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(&out, WithSpoolDir(t.TempDir()))
	require.NoError(t, err)

	require.NoError(t, w.AddFolder(CompressNone))
	_, err = w.AddFile("exact", time.Time{}, bytes.NewReader(make([]byte, 2*blockSize)))
	require.NoError(t, err)
	_, err = w.AddFile("tail", time.Time{}, bytes.NewReader([]byte{1}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cab := parseCabinet(t, out.Bytes())
	require.Equal(t, 3, cab.folders[0].blocks)
}

func TestWriterUTF8Names(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(&out, WithSpoolDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.AddFolder(CompressMSZIP))
	_, err = w.AddFile("résumé.txt", time.Time{}, strings.NewReader("cv"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cab := parseCabinet(t, out.Bytes())
	require.Equal(t, "résumé.txt", cab.files[0].name)
	require.Equal(t, uint16(attrArchive|attrNameIsUTF), cab.files[0].attribs)
}

func TestWriterErrors(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w, err := NewWriter(&out, WithSpoolDir(t.TempDir()))
	require.NoError(t, err)

	_, err = w.AddFile("orphan", time.Time{}, strings.NewReader("x"))
	require.ErrorIs(t, err, errNoFolder)

	require.Error(t, w.AddFolder(CompressionType(3)))

	require.NoError(t, w.AddFolder(CompressMSZIP))

	_, err = w.AddFile("", time.Time{}, strings.NewReader("x"))
	require.Error(t, err)

	_, err = w.AddFile(strings.Repeat("n", maxNameLength+1), time.Time{}, strings.NewReader("x"))
	require.Error(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	require.ErrorIs(t, w.AddFolder(CompressNone), errClosed)
}

func TestDosDateTime(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		in        time.Time
		date, clk uint16
	}{
		{
			in:   time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
			date: 1<<5 | 1,
			clk:  0,
		},
		{
			in:   time.Date(2021, 6, 15, 10, 30, 44, 0, time.UTC),
			date: 41<<9 | 6<<5 | 15,
			clk:  10<<11 | 30<<5 | 22,
		},
		{
			in:   time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			date: 1<<5 | 1,
			clk:  0,
		},
	}

	for _, tt := range tests {
		date, clk := dosDateTime(tt.in)
		require.Equal(t, tt.date, date, tt.in.String())
		require.Equal(t, tt.clk, clk, tt.in.String())
	}
}
