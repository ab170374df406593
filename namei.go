package xiafs

import (
	"fmt"
	"strings"

	c "github.com/dargueta/xiafs/common"
	"github.com/dargueta/xiafs/errors"
)

// maxSymlinkHops is how many symbolic links LookupPath follows before giving
// up.
const maxSymlinkHops = 8

func (v *Volume) readDirectory(ino Inumber) (Inode, error) {
	dir, err := v.ReadInode(ino)
	if err != nil {
		return Inode{}, err
	}
	if !dir.IsDir() {
		return Inode{}, errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("inode %d is not a directory", ino))
	}
	return dir, nil
}

// checkNewName validates a name that's about to be added to a directory.
func checkNewName(name string) error {
	if name == "." || name == ".." {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't create an entry named %q", name))
	}
	return ValidateName(name)
}

// addLink inserts a record into `dir` and writes the directory's inode back,
// even on failure, since the insert may have grown it.
func (v *Volume) addLink(dir *Inode, name string, ino Inumber) error {
	_, insertErr := v.dirs.Insert(dir, name, ino)
	writeErr := v.writeInode(dir)
	if insertErr != nil {
		return insertErr
	}
	return writeErr
}

// ensureAbsent fails with [errors.ErrExists] if `dir` already has `name`.
func (v *Volume) ensureAbsent(dir *Inode, name string) error {
	_, _, err := v.dirs.Find(dir, name)
	if err == nil {
		return errors.ErrExists.WithMessage(
			fmt.Sprintf("%q already exists in directory %d", name, dir.Number))
	}
	if errors.CastToDriverError(err).Errno() == errors.ENOENT {
		return nil
	}
	return err
}

// Lookup returns the inode number `name` refers to in directory `dirIno`.
func (v *Volume) Lookup(dirIno Inumber, name string) (Inumber, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()
	return v.lookup(dirIno, name)
}

func (v *Volume) lookup(dirIno Inumber, name string) (Inumber, error) {
	dir, err := v.readDirectory(dirIno)
	if err != nil {
		return 0, err
	}
	entry, _, err := v.dirs.Find(&dir, name)
	if err != nil {
		return 0, err
	}
	return entry.Inumber, nil
}

// LookupPath resolves a slash-separated path relative to the root directory.
// Symbolic links in the middle of the path are followed; a link at the end is
// returned as-is.
func (v *Volume) LookupPath(path string) (Inumber, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()

	hops := 0
	return v.walkPath(RootInumber, path, false, &hops)
}

// walkPath resolves `path` starting at directory `start`. A symbolic link as
// the last component is only followed if `followLast` is set.
func (v *Volume) walkPath(start Inumber, path string, followLast bool, hops *int) (Inumber, error) {
	current := start
	if strings.HasPrefix(path, "/") {
		current = RootInumber
	}

	components := strings.Split(path, "/")
	for i, name := range components {
		if name == "" {
			continue
		}

		next, err := v.lookup(current, name)
		if err != nil {
			return 0, err
		}

		last := true
		for _, rest := range components[i+1:] {
			if rest != "" {
				last = false
				break
			}
		}
		if last && !followLast {
			return next, nil
		}

		inode, err := v.ReadInode(next)
		if err != nil {
			return 0, err
		}
		if inode.IsSymlink() {
			*hops++
			if *hops > maxSymlinkHops {
				return 0, errors.ErrLinkCycleDetected.WithMessage(
					fmt.Sprintf("more than %d symbolic links in %q", maxSymlinkHops, path))
			}
			target, err := v.readlink(&inode)
			if err != nil {
				return 0, err
			}
			next, err = v.walkPath(current, target, true, hops)
			if err != nil {
				return 0, err
			}
		}
		current = next
	}
	return current, nil
}

// Stat returns the attributes of an inode.
func (v *Volume) Stat(ino Inumber) (FileStat, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()

	inode, err := v.ReadInode(ino)
	if err != nil {
		return FileStat{}, err
	}
	if inode.Mode == 0 {
		return FileStat{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("inode %d is not in use", ino))
	}
	return inode.Stat(v.geometry), nil
}

// makeNode creates an inode of the given mode and links it into `dirIno` under
// `name`. `setup` can fill in the new inode before it's linked; the caller must
// hold the namespace lock.
func (v *Volume) makeNode(
	dirIno Inumber, name string, mode uint16, setup func(dir, inode *Inode) error,
) (Inumber, error) {
	err := v.checkWritable()
	if err != nil {
		return 0, err
	}
	err = checkNewName(name)
	if err != nil {
		return 0, err
	}

	dir, err := v.readDirectory(dirIno)
	if err != nil {
		return 0, err
	}
	err = v.ensureAbsent(&dir, name)
	if err != nil {
		return 0, err
	}

	inode, err := v.newInode(&dir, mode)
	if err != nil {
		return 0, err
	}

	if setup != nil {
		err = setup(&dir, &inode)
		if err == nil {
			err = v.writeInode(&inode)
		}
		if err != nil {
			v.logCleanup(v.evict(&inode), "evicting inode %d", inode.Number)
			return 0, err
		}
	}

	err = v.addLink(&dir, name, inode.Number)
	if err != nil {
		v.logCleanup(v.evict(&inode), "evicting inode %d", inode.Number)
		return 0, err
	}
	return inode.Number, nil
}

// Create makes an empty regular file. Only the permission bits of `perm` are
// used.
func (v *Volume) Create(dirIno Inumber, name string, perm uint16) (Inumber, error) {
	v.nsLock.Lock()
	defer v.nsLock.Unlock()
	return v.makeNode(dirIno, name, S_IFREG|(perm&PermissionMask), nil)
}

// Mknod makes a special file. `fileType` must be one of S_IFCHR, S_IFBLK,
// S_IFIFO or S_IFSOCK; the device numbers are only used for the first two.
func (v *Volume) Mknod(
	dirIno Inumber, name string, fileType, perm uint16, major, minor uint32,
) (Inumber, error) {
	var rdev uint32
	switch fileType {
	case S_IFCHR, S_IFBLK:
		var err error
		rdev, err = EncodeDevice(major, minor)
		if err != nil {
			return 0, err
		}
	case S_IFIFO, S_IFSOCK:
	default:
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't make a special file of type %#o", fileType))
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	return v.makeNode(
		dirIno,
		name,
		fileType|(perm&PermissionMask),
		func(dir, inode *Inode) error {
			inode.Rdev = rdev
			return nil
		},
	)
}

// Mkdir makes an empty directory.
func (v *Volume) Mkdir(dirIno Inumber, name string, perm uint16) (Inumber, error) {
	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	parent, err := v.readDirectory(dirIno)
	if err != nil {
		return 0, err
	}
	if parent.Nlinks >= MaxLinks {
		return 0, errors.ErrTooManyLinks.WithMessage(
			fmt.Sprintf("directory %d already has %d links", dirIno, parent.Nlinks))
	}

	ino, err := v.makeNode(
		dirIno,
		name,
		S_IFDIR|(perm&PermissionMask),
		func(dir, inode *Inode) error {
			inode.Nlinks = 2
			return v.dirs.MakeInitial(inode, dir.Number)
		},
	)
	if err != nil {
		return 0, err
	}

	// makeNode wrote the parent back after inserting, so reload it.
	parent, err = v.readDirectory(dirIno)
	if err != nil {
		return 0, err
	}
	parent.Nlinks++
	return ino, v.writeInode(&parent)
}

// Symlink makes a symbolic link to `target`, which must fit in one zone along
// with a terminating NUL.
func (v *Volume) Symlink(dirIno Inumber, name string, target string) (Inumber, error) {
	if target == "" {
		return 0, errors.ErrInvalidArgument.WithMessage("symlink target can't be empty")
	}
	if uint(len(target)) > v.geometry.ZoneSize()-1 {
		return 0, errors.ErrNameTooLong.WithMessage(
			fmt.Sprintf(
				"symlink target is %d bytes, limit is %d",
				len(target),
				v.geometry.ZoneSize()-1,
			),
		)
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	return v.makeNode(
		dirIno,
		name,
		S_IFLNK|S_IRWXU|S_IRWXG|S_IRWXO,
		func(dir, inode *Inode) error {
			zone, _, err := v.itree.Resolve(inode, 0, true)
			if err != nil {
				return err
			}

			chunk, err := v.cache.Prepare(c.LogicalBlock(zone), 0, v.geometry.ZoneSize())
			if err != nil {
				return err
			}
			defer chunk.Release()

			clear(chunk.Bytes())
			copy(chunk.Bytes(), target)
			inode.Size = uint32(len(target))
			return chunk.Commit()
		},
	)
}

// Readlink returns the target of a symbolic link.
func (v *Volume) Readlink(ino Inumber) (string, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()

	inode, err := v.ReadInode(ino)
	if err != nil {
		return "", err
	}
	return v.readlink(&inode)
}

func (v *Volume) readlink(inode *Inode) (string, error) {
	if !inode.IsSymlink() {
		return "", errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode %d is not a symbolic link", inode.Number))
	}
	if uint(inode.Size) > v.geometry.ZoneSize()-1 {
		return "", errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("symlink %d is %d bytes long", inode.Number, inode.Size))
	}

	zone, _, err := v.itree.Resolve(inode, 0, false)
	if err != nil {
		return "", err
	}
	if zone == Hole {
		return "", nil
	}

	data, err := v.cache.Block(c.LogicalBlock(zone))
	if err != nil {
		return "", err
	}
	return string(data[:inode.Size]), nil
}

// Link adds another name for an existing inode. Directories can't be hard
// linked.
func (v *Volume) Link(ino Inumber, dirIno Inumber, name string) error {
	err := v.checkWritable()
	if err != nil {
		return err
	}
	err = checkNewName(name)
	if err != nil {
		return err
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	inode, err := v.ReadInode(ino)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return errors.ErrNotPermitted.WithMessage("can't hard link a directory")
	}
	if inode.Nlinks >= MaxLinks {
		return errors.ErrTooManyLinks.WithMessage(
			fmt.Sprintf("inode %d already has %d links", ino, inode.Nlinks))
	}

	dir, err := v.readDirectory(dirIno)
	if err != nil {
		return err
	}
	err = v.ensureAbsent(&dir, name)
	if err != nil {
		return err
	}

	err = v.addLink(&dir, name, ino)
	if err != nil {
		return err
	}

	inode.Nlinks++
	inode.ChangeTime = SerializeTimestamp(v.clock())
	return v.writeInode(&inode)
}

// Unlink removes a name from a directory. The inode is freed when its last
// link goes away.
func (v *Volume) Unlink(dirIno Inumber, name string) error {
	err := v.checkWritable()
	if err != nil {
		return err
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	dir, err := v.readDirectory(dirIno)
	if err != nil {
		return err
	}
	entry, previous, err := v.dirs.Find(&dir, name)
	if err != nil {
		return err
	}

	inode, err := v.ReadInode(entry.Inumber)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return errors.ErrIsADirectory.WithMessage(
			fmt.Sprintf("%q is a directory, use Rmdir", name))
	}

	err = v.dirs.Delete(&dir, entry, previous)
	if err != nil {
		return err
	}
	err = v.writeInode(&dir)
	if err != nil {
		return err
	}
	return v.dropLink(&inode)
}

// Rmdir removes an empty directory.
func (v *Volume) Rmdir(dirIno Inumber, name string) error {
	err := v.checkWritable()
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't remove %q", name))
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	parent, err := v.readDirectory(dirIno)
	if err != nil {
		return err
	}
	entry, previous, err := v.dirs.Find(&parent, name)
	if err != nil {
		return err
	}

	target, err := v.readDirectory(entry.Inumber)
	if err != nil {
		return err
	}
	empty, err := v.dirs.IsEmpty(&target)
	if err != nil {
		return err
	}
	if !empty {
		return errors.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("directory %q isn't empty", name))
	}

	err = v.dirs.Delete(&parent, entry, previous)
	if err != nil {
		return err
	}
	if parent.Nlinks > 0 {
		parent.Nlinks--
	}
	err = v.writeInode(&parent)
	if err != nil {
		return err
	}

	target.Nlinks = 0
	return v.evict(&target)
}

// isAncestor reports whether directory `ancestor` is `dir` or one of its
// parents.
func (v *Volume) isAncestor(ancestor Inumber, dir *Inode) (bool, error) {
	current := *dir
	for hops := uint(0); hops <= v.geometry.TotalInodes(); hops++ {
		if current.Number == ancestor {
			return true, nil
		}
		if current.Number == RootInumber {
			return false, nil
		}

		dotdot, err := v.dirs.DotDot(&current)
		if err != nil {
			return false, err
		}
		current, err = v.readDirectory(dotdot.Inumber)
		if err != nil {
			return false, err
		}
	}
	return false, errors.ErrFileSystemCorrupted.WithMessage(
		fmt.Sprintf("directory %d has a cycle in its \"..\" chain", dir.Number))
}

// Rename moves `oldName` in `oldDirIno` to `newName` in `newDirIno`, replacing
// whatever `newName` referred to. A directory can only replace an empty
// directory, and can't be moved into itself or one of its subdirectories.
func (v *Volume) Rename(oldDirIno Inumber, oldName string, newDirIno Inumber, newName string) error {
	err := v.checkWritable()
	if err != nil {
		return err
	}
	if oldName == "." || oldName == ".." {
		return errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("can't rename %q", oldName))
	}
	err = checkNewName(newName)
	if err != nil {
		return err
	}

	v.nsLock.Lock()
	defer v.nsLock.Unlock()

	oldDirInode, err := v.readDirectory(oldDirIno)
	if err != nil {
		return err
	}
	oldDir := &oldDirInode
	newDir := oldDir
	if newDirIno != oldDirIno {
		newDirInode, err := v.readDirectory(newDirIno)
		if err != nil {
			return err
		}
		newDir = &newDirInode
	}

	oldEntry, _, err := v.dirs.Find(oldDir, oldName)
	if err != nil {
		return err
	}
	source, err := v.ReadInode(oldEntry.Inumber)
	if err != nil {
		return err
	}

	if source.IsDir() && newDir != oldDir {
		inside, err := v.isAncestor(source.Number, newDir)
		if err != nil {
			return err
		}
		if inside {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("can't move directory %q into itself", oldName))
		}
	}

	var replaced *Inode
	targetEntry, _, err := v.dirs.Find(newDir, newName)
	if err == nil {
		if targetEntry.Inumber == source.Number {
			return nil
		}

		target, err := v.ReadInode(targetEntry.Inumber)
		if err != nil {
			return err
		}
		if source.IsDir() {
			if !target.IsDir() {
				return errors.ErrNotADirectory.WithMessage(
					fmt.Sprintf("can't replace non-directory %q with a directory", newName))
			}
			empty, err := v.dirs.IsEmpty(&target)
			if err != nil {
				return err
			}
			if !empty {
				return errors.ErrDirectoryNotEmpty.WithMessage(
					fmt.Sprintf("can't replace directory %q, it isn't empty", newName))
			}
		} else if target.IsDir() {
			return errors.ErrIsADirectory.WithMessage(
				fmt.Sprintf("can't replace directory %q with a non-directory", newName))
		}

		err = v.dirs.SetLink(newDir, targetEntry, source.Number)
		if err != nil {
			return err
		}
		replaced = &target
	} else if errors.CastToDriverError(err).Errno() != errors.ENOENT {
		return err
	} else {
		if source.IsDir() && newDir != oldDir && newDir.Nlinks >= MaxLinks {
			return errors.ErrTooManyLinks.WithMessage(
				fmt.Sprintf("directory %d already has %d links", newDir.Number, newDir.Nlinks))
		}
		_, err = v.dirs.Insert(newDir, newName, source.Number)
		if err != nil {
			v.logCleanup(v.writeInode(newDir), "writing directory %d", newDir.Number)
			return err
		}
	}

	// The insert may have split the old record, so look it up again.
	oldEntry, oldPrevious, err := v.dirs.Find(oldDir, oldName)
	if err != nil {
		return err
	}
	err = v.dirs.Delete(oldDir, oldEntry, oldPrevious)
	if err != nil {
		return err
	}

	if source.IsDir() {
		if newDir != oldDir {
			dotdot, err := v.dirs.DotDot(&source)
			if err != nil {
				return err
			}
			err = v.dirs.SetLink(&source, dotdot, newDir.Number)
			if err != nil {
				return err
			}
			if oldDir.Nlinks > 0 {
				oldDir.Nlinks--
			}
			newDir.Nlinks++
		}
		// The replaced directory's ".." no longer counts against the parent.
		if replaced != nil && newDir.Nlinks > 0 {
			newDir.Nlinks--
		}
	}

	source.ChangeTime = SerializeTimestamp(v.clock())
	err = v.writeInode(&source)
	if err != nil {
		return err
	}
	err = v.writeInode(oldDir)
	if err != nil {
		return err
	}
	if newDir != oldDir {
		err = v.writeInode(newDir)
		if err != nil {
			return err
		}
	}

	if replaced != nil {
		if replaced.IsDir() {
			replaced.Nlinks = 0
			return v.evict(replaced)
		}
		return v.dropLink(replaced)
	}
	return nil
}

// ReadDir lists every live entry of a directory, "." and ".." included.
func (v *Volume) ReadDir(dirIno Inumber) ([]DirEntry, error) {
	entries, _, err := v.ReadDirFrom(dirIno, 0, -1)
	return entries, err
}

// ReadDirFrom lists up to `limit` entries (all of them if `limit` is
// negative) starting at byte `offset` of the directory. It also returns the
// offset to pass to the next call to continue.
func (v *Volume) ReadDirFrom(dirIno Inumber, offset uint64, limit int) ([]DirEntry, uint64, error) {
	v.nsLock.RLock()
	defer v.nsLock.RUnlock()

	dir, err := v.readDirectory(dirIno)
	if err != nil {
		return nil, offset, err
	}

	var entries []DirEntry
	it := v.dirs.Iterate(&dir, offset)
	for (limit < 0 || len(entries) < limit) && it.Next() {
		entries = append(entries, it.Entry())
	}
	if it.Err() != nil {
		return entries, offset, it.Err()
	}
	return entries, it.Offset(), nil
}
