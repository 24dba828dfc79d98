package disk

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var _ Disk = (*FileDisk)(nil)

// FileDisk is a disk backed by a file or block device, accessed with
// pread/pwrite.
type FileDisk struct {
	fd        int
	numBlocks uint64
}

func NewFileDisk(path string, numBlocks uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
	}
	return &FileDisk{fd: fd, numBlocks: numBlocks}, nil
}

func (d *FileDisk) ReadTo(a uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return errors.Errorf("buffer is not block-sized (%d bytes)", len(buf))
	}
	if a >= d.numBlocks {
		return errors.Errorf("out-of-bounds read at %v", a)
	}
	_, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	return errors.Wrap(err, "pread")
}

func (d *FileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *FileDisk) Write(a uint64, v Block) error {
	if uint64(len(v)) != BlockSize {
		return errors.Errorf("v is not block-sized (%d bytes)", len(v))
	}
	if a >= d.numBlocks {
		return errors.Errorf("out-of-bounds write at %v", a)
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	return errors.Wrap(err, "pwrite")
}

func (d *FileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *FileDisk) Barrier() error {
	// NOTE: on macOS this flushes to the drive but doesn't issue a disk
	// barrier; the correct replacement is fcntl F_FULLFSYNC.
	return errors.Wrap(unix.Fsync(d.fd), "fsync")
}

func (d *FileDisk) Close() error {
	return errors.Wrap(unix.Close(d.fd), "close")
}
