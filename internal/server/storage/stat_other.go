//go:build !linux

package storage

import (
	"io/fs"
	"time"
)

// changeTime uses the modification time where ctime is not portable.
// Stored files are never modified after the upload completes, so both agree.
func changeTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
