package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data before the rename that publishes a record.
// Metadata other than size is not needed for that, so fdatasync suffices.
func syncFile(f *os.File) error {
	for {
		if err := unix.Fdatasync(int(f.Fd())); err != unix.EINTR {
			return err
		}
	}
}
