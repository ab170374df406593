// Package compression packs volume images for storage and transport.
//
// A freshly formatted or lightly used volume is mostly zero-filled zones: the
// bitmaps are a few set bits followed by nothing, the inode table is almost
// entirely empty, and unallocated data zones are never touched. Images are
// therefore run-length encoded first and the result is gzipped, which shrinks
// a blank 1.44 MB volume to well under a kilobyte.
//
// The run-length scheme is RLE8 as used by the BMP file format: a byte that
// occurs N >= 2 times in a row is written twice, followed by one unsigned byte
// giving how many more times it occurred. For example:
//
//	WXXXXXXXXXXXXXXXYZZ
//	W XX 13 Y ZZ 0
//
// One run covers at most 257 bytes; longer runs are split. A pair of equal
// bytes costs three bytes of output, which is the price of using the byte
// itself as the escape.
package compression
