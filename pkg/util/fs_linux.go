/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	POSIX_FADV_NORMAL     = unix.FADV_NORMAL
	POSIX_FADV_RANDOM     = unix.FADV_RANDOM
	POSIX_FADV_SEQUENTIAL = unix.FADV_SEQUENTIAL
	POSIX_FADV_WILLNEED   = unix.FADV_WILLNEED
	POSIX_FADV_DONTNEED   = unix.FADV_DONTNEED
	POSIX_FADV_NOREUSE    = unix.FADV_NOREUSE
)

func Fadvise(file *os.File, off, length int64, advice int) error {
	return unix.Fadvise(int(file.Fd()), off, length, advice)
}

func Fdatasync(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
