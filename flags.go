package xiafs

// File mode bits as stored in the 16-bit mode field of an inode record. The
// values are the traditional Unix ones.
const (
	S_IXOTH = 0o000001
	S_IWOTH = 0o000002
	S_IROTH = 0o000004
	S_IXGRP = 0o000010
	S_IWGRP = 0o000020
	S_IRGRP = 0o000040
	S_IXUSR = 0o000100
	S_IWUSR = 0o000200
	S_IRUSR = 0o000400
	S_ISVTX = 0o001000
	S_ISGID = 0o002000
	S_ISUID = 0o004000

	S_IFIFO  = 0o010000
	S_IFCHR  = 0o020000
	S_IFDIR  = 0o040000
	S_IFBLK  = 0o060000
	S_IFREG  = 0o100000
	S_IFLNK  = 0o120000
	S_IFSOCK = 0o140000
	S_IFMT   = 0o170000
)

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

// PermissionMask covers everything in a mode except the file type.
const PermissionMask = 0o7777

// DefaultDirectoryMode is the mode of the root directory on a new volume.
const DefaultDirectoryMode = S_IFDIR | S_IRWXU | S_IRGRP | S_IXGRP | S_IROTH | S_IXOTH

func IsDirectoryMode(mode uint16) bool { return mode&S_IFMT == S_IFDIR }
func IsRegularMode(mode uint16) bool   { return mode&S_IFMT == S_IFREG }
func IsSymlinkMode(mode uint16) bool   { return mode&S_IFMT == S_IFLNK }

// IsDeviceMode is true for character and block special files, whose first
// zone word holds a device number instead of a zone pointer.
func IsDeviceMode(mode uint16) bool {
	fileType := mode & S_IFMT
	return fileType == S_IFCHR || fileType == S_IFBLK
}

// HasZoneTree is true for the file types whose zone words form a pointer tree:
// regular files, directories and symbolic links.
func HasZoneTree(mode uint16) bool {
	return IsRegularMode(mode) || IsDirectoryMode(mode) || IsSymlinkMode(mode)
}
