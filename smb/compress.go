// MIT License
//
// # Copyright (c) 2023 Jimmy Fjällid
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package smb

import (
	"github.com/pierrec/lz4/v4"

	"github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder"
)

const compressionHeaderSize = 16

// Messages smaller than this are never compressed.
const compressionThreshold = 4096

// MS-SMB2 2.2.42.1, unchained form.
type CompressionTransformHeader struct {
	ProtocolID                    [4]byte
	OriginalCompressedSegmentSize uint32
	CompressionAlgorithm          uint16
	Flags                         uint16
	Offset                        uint32
}

// compressMessage LZ4 compresses pkt after the first HeaderSize bytes, which
// are sent uncompressed. It returns nil when compression does not pay off.
func compressMessage(pkt []byte) ([]byte, error) {
	if len(pkt) < compressionThreshold {
		return nil, nil
	}
	payload := pkt[HeaderSize:]
	dst := make([]byte, lz4.CompressBlockBound(len(payload)))
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 || n+compressionHeaderSize >= len(payload) {
		return nil, nil
	}
	hdr := CompressionTransformHeader{
		OriginalCompressedSegmentSize: uint32(len(payload)),
		CompressionAlgorithm:          CompressionLZ4,
		Offset:                        HeaderSize,
	}
	copy(hdr.ProtocolID[:], ProtocolCompressionHdr)
	out, err := encoder.Marshal(&hdr)
	if err != nil {
		return nil, err
	}
	out = append(out, pkt[:HeaderSize]...)
	return append(out, dst[:n]...), nil
}

func decompressMessage(buf []byte) ([]byte, error) {
	if len(buf) < compressionHeaderSize {
		return nil, decodingError(nil, "short compression header: %d bytes", len(buf))
	}
	var hdr CompressionTransformHeader
	if err := encoder.Unmarshal(buf[:compressionHeaderSize], &hdr); err != nil {
		return nil, decodingError(err, "compression header")
	}
	if hdr.Flags != 0 {
		return nil, decodingError(nil, "chained compression is not supported")
	}
	if hdr.CompressionAlgorithm != CompressionLZ4 {
		return nil, decodingError(nil, "unsupported compression algorithm %d", hdr.CompressionAlgorithm)
	}
	rest := buf[compressionHeaderSize:]
	if int(hdr.Offset) > len(rest) {
		return nil, decodingError(nil, "compression offset %d out of bounds", hdr.Offset)
	}
	if hdr.OriginalCompressedSegmentSize > maxFrameSize {
		return nil, decodingError(nil, "compressed segment too large: %d", hdr.OriginalCompressedSegmentSize)
	}
	out := make([]byte, int(hdr.Offset)+int(hdr.OriginalCompressedSegmentSize))
	copy(out, rest[:hdr.Offset])
	n, err := lz4.UncompressBlock(rest[hdr.Offset:], out[hdr.Offset:])
	if err != nil {
		return nil, decodingError(err, "lz4")
	}
	if n != int(hdr.OriginalCompressedSegmentSize) {
		return nil, decodingError(nil, "decompressed %d bytes, expected %d", n, hdr.OriginalCompressedSegmentSize)
	}
	return out, nil
}
