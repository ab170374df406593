/*
Package xiafs reads and writes volumes in the Xia file system format, the
Minix-derived layout Frank Xia wrote for early Linux kernels.

A volume is divided into zones of 1, 2 or 4 KiB (1024 shifted left by the
superblock's zone shift). In order:

  - Zone 0 holds a 512-byte boot area followed by the superblock. The magic
    number 0x012FD16D sits at byte 572.
  - The inode bitmap, then the zone bitmap. Bit 0 of each is reserved and
    always set; in the inode bitmap bit N is inode N, in the zone bitmap bit N
    is zone N + first_data_zone - 1.
  - The inode table, 64-byte records, 16 per KiB of zone.
  - Optionally, zones reserved for a kernel image.
  - Data zones.

Each inode has ten 32-bit zone words: eight direct pointers, one single- and
one double-indirect pointer. Only the low 24 bits of a word are an address.
The high bytes of words 0, 1 and 2 together hold the inode's allocated block
count in 512-byte units. Character and block devices keep their device number
in word 0 instead and have no block count.

Directories are zones of variable-length records: a 32-bit inode number, a
16-bit record length, an 8-bit name length, then the name and at least one
NUL. Records never cross a zone boundary and the lengths in a zone always add
up to the zone size. A record with inode number 0 is free space.

The original format documentation is in the xiafs sources for Linux 0.99 and
later in Linux 2.0's fs/xiafs; mkxfs from the xiafs-progs package is the
reference for how a new volume is laid out.

The engine is split the same way: [Allocator] manages both bitmaps, the inode
codec lives in inode.go, [Translator] maps file zones to volume zones, and
[Directories] manages directory records. [Volume] ties them to a block cache
and provides the namespace and file data operations.
*/

package xiafs
