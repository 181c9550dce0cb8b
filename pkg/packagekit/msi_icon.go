package packagekit

import (
	"bytes"
	"encoding/binary"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolide/bundler/pkg/bundle"
	"github.com/mat/besticon/ico"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/serenize/snaker"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const maxIconSize = 256

// productIcon is the Icon table entry and its stream.
type productIcon struct {
	key    string
	source string
	data   []byte
}

// loadIcon picks the product icon from the icon candidates. The first
// .ico wins. Without one, the first other image is converted. No
// candidates means no icon, which is not an error.
func loadIcon(binaryName string, icons *bundle.Paths) (*productIcon, error) {
	var fallback string

	for icons.Next() {
		p := icons.Path()
		if !strings.EqualFold(filepath.Ext(p), ".ico") {
			if fallback == "" {
				fallback = p
			}
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "reading icon %s", p)
		}
		if _, err := ico.Decode(bytes.NewReader(data)); err != nil {
			return nil, errors.Wrapf(err, "decoding icon %s", p)
		}
		return &productIcon{key: iconKey(binaryName), source: p, data: data}, nil
	}

	if err := icons.Err(); err != nil {
		return nil, errors.Wrap(err, "resolving icons")
	}

	if fallback == "" {
		return nil, nil
	}

	data, err := convertToIco(fallback)
	if err != nil {
		return nil, errors.Wrapf(err, "converting icon %s", fallback)
	}
	return &productIcon{key: iconKey(binaryName), source: fallback, data: data}, nil
}

// iconKey names the Icon row, e.g. "my-app.exe" becomes "MyApp.ico".
func iconKey(binaryName string) string {
	stem := strings.TrimSuffix(binaryName, filepath.Ext(binaryName))
	r := strings.NewReplacer(
		"-", "_",
		" ", "_",
		".", "_",
	)

	key := fileKey(snaker.SnakeToCamel(r.Replace(strings.ToLower(stem))))
	// Leave room for ".ico" and the "Icon." stream prefix.
	if len(key) > 50 {
		key = key[:50]
	}
	return key + ".ico"
}

// convertToIco fits an image into 256x256 and wraps it as a single
// PNG-compressed ICO entry.
func convertToIco(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}

	b := img.Bounds()
	if b.Dx() > maxIconSize || b.Dy() > maxIconSize {
		img = resize.Thumbnail(maxIconSize, maxIconSize, img, resize.Lanczos3)
	}

	pngBuf := new(bytes.Buffer)
	if err := png.Encode(pngBuf, img); err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}

	return wrapPNGAsIco(img.Bounds(), pngBuf.Bytes()), nil
}

// wrapPNGAsIco writes an ICONDIR with one entry pointing at a PNG
// payload. A dimension of 256 is stored as 0.
func wrapPNGAsIco(bounds image.Rectangle, pngData []byte) []byte {
	dim := func(n int) uint8 {
		if n >= maxIconSize {
			return 0
		}
		return uint8(n)
	}

	const headerLen = 6 + 16

	out := new(bytes.Buffer)
	le := binary.LittleEndian

	binary.Write(out, le, uint16(0)) // reserved
	binary.Write(out, le, uint16(1)) // type: icon
	binary.Write(out, le, uint16(1)) // count

	out.WriteByte(dim(bounds.Dx()))
	out.WriteByte(dim(bounds.Dy()))
	out.WriteByte(0)                  // palette size
	out.WriteByte(0)                  // reserved
	binary.Write(out, le, uint16(1))  // planes
	binary.Write(out, le, uint16(32)) // bits per pixel
	binary.Write(out, le, uint32(len(pngData)))
	binary.Write(out, le, uint32(headerLen))

	out.Write(pngData)
	return out.Bytes()
}
