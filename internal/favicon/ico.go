package favicon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/bmp"
)

// .ico files are a directory of independently encoded images. Each entry is
// either a complete PNG or a headerless BMP whose height field covers both
// the pixel rows and the trailing transparency mask. decodeICO picks the
// best entry and hands its payload to the matching decoder; BMP payloads
// get a synthesized file header first.

const (
	icoDirSize     = 6
	icoEntrySize   = 16
	bmpFileHeader  = 14
	bmpInfoMinimum = 40
)

var (
	pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	errNotICO = errors.New("favicon: not an ico payload")
)

func decodeICO(data []byte) (image.Image, error) {
	if len(data) < icoDirSize {
		return nil, errNotICO
	}
	if binary.LittleEndian.Uint16(data[0:2]) != 0 {
		return nil, errNotICO
	}

	resourceType := binary.LittleEndian.Uint16(data[2:4])
	if resourceType != 1 && resourceType != 2 {
		return nil, errNotICO
	}

	count := int(binary.LittleEndian.Uint16(data[4:6]))
	if count == 0 || len(data) < icoDirSize+count*icoEntrySize {
		return nil, errNotICO
	}

	payload := bestEntryPayload(data, count)
	if payload == nil {
		return nil, errNotICO
	}

	if bytes.HasPrefix(payload, pngSignature) {
		img, err := png.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decode png ico entry: %w", err)
		}

		return img, nil
	}

	return decodeICOBitmap(payload)
}

// bestEntryPayload returns the payload of the largest in-bounds entry,
// breaking ties toward higher color depth. A zero width byte means 256.
func bestEntryPayload(data []byte, count int) []byte {
	bestScore := -1

	var best []byte

	for i := 0; i < count; i++ {
		entry := data[icoDirSize+i*icoEntrySize : icoDirSize+(i+1)*icoEntrySize]

		width := int(entry[0])
		if width == 0 {
			width = 256
		}

		depth := int(binary.LittleEndian.Uint16(entry[6:8]))

		size := int64(binary.LittleEndian.Uint32(entry[8:12]))
		offset := int64(binary.LittleEndian.Uint32(entry[12:16]))
		if size <= 0 || offset < icoDirSize || offset+size > int64(len(data)) {
			continue
		}

		score := width<<6 + depth
		if score > bestScore {
			bestScore = score
			best = data[offset : offset+size]
		}
	}

	return best
}

func decodeICOBitmap(payload []byte) (image.Image, error) {
	if len(payload) < bmpInfoMinimum {
		return nil, errNotICO
	}

	infoSize := binary.LittleEndian.Uint32(payload[0:4])
	if infoSize < bmpInfoMinimum || int64(infoSize) > int64(len(payload)) {
		return nil, errNotICO
	}

	// The stored height counts the XOR pixel rows plus the AND mask rows;
	// a plain BMP wants the pixel rows only.
	doubledHeight := int32(binary.LittleEndian.Uint32(payload[8:12]))
	if doubledHeight <= 0 || doubledHeight%2 != 0 {
		return nil, errNotICO
	}

	depth := binary.LittleEndian.Uint16(payload[14:16])
	paletteColors := int64(binary.LittleEndian.Uint32(payload[32:36]))
	if paletteColors == 0 && depth <= 8 {
		paletteColors = int64(1) << depth
	}

	dib := make([]byte, len(payload))
	copy(dib, payload)
	binary.LittleEndian.PutUint32(dib[8:12], uint32(doubledHeight/2))

	fileSize := bmpFileHeader + len(dib)
	pixelOffset := bmpFileHeader + int64(infoSize) + paletteColors*4

	file := make([]byte, 0, fileSize)
	file = append(file, 'B', 'M')
	file = binary.LittleEndian.AppendUint32(file, uint32(fileSize))
	file = binary.LittleEndian.AppendUint32(file, 0)
	file = binary.LittleEndian.AppendUint32(file, uint32(pixelOffset))
	file = append(file, dib...)

	img, err := bmp.Decode(bytes.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("decode bmp ico entry: %w", err)
	}

	return img, nil
}
