/*
Copyright 2017 The GoStor Authors All rights reserved.

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

package iscsit

import (
	"io"
	"sync/atomic"
)

const pageSize = 4096

// ioBuffer is a reference counted page vector holding the data of one SCSI
// command. Pages are allocated on first write so that a large expected read
// length costs nothing until the device fills it.
type ioBuffer struct {
	pages [][]byte
	size  int
	refs  int32
}

func newIOBuffer(size int) *ioBuffer {
	return &ioBuffer{
		pages: make([][]byte, (size+pageSize-1)/pageSize),
		size:  size,
		refs:  1,
	}
}

func (b *ioBuffer) Len() int {
	return b.size
}

func (b *ioBuffer) get() *ioBuffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// put drops one reference; the pages go away with the last one.
func (b *ioBuffer) put() {
	switch n := atomic.AddInt32(&b.refs, -1); {
	case n == 0:
		b.pages = nil
	case n < 0:
		panic("iscsit: io buffer released too many times")
	}
}

func (b *ioBuffer) refCount() int32 {
	return atomic.LoadInt32(&b.refs)
}

func (b *ioBuffer) page(i int) []byte {
	if b.pages[i] == nil {
		b.pages[i] = make([]byte, pageSize)
	}
	return b.pages[i]
}

func (b *ioBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(b.size) {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && int(off)+n < b.size {
		pos := int(off) + n
		idx, pgoff := pos/pageSize, pos%pageSize
		end := pageSize
		if rest := b.size - idx*pageSize; rest < end {
			end = rest
		}
		var c int
		if pg := b.pages[idx]; pg != nil {
			c = copy(p[n:], pg[pgoff:end])
		} else {
			c = end - pgoff
			if c > len(p)-n {
				c = len(p) - n
			}
			for i := 0; i < c; i++ {
				p[n+i] = 0
			}
		}
		n += c
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *ioBuffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(b.size) {
		return 0, io.ErrShortWrite
	}
	n := 0
	for n < len(p) {
		pos := int(off) + n
		n += copy(b.page(pos/pageSize)[pos%pageSize:], p[n:])
	}
	return n, nil
}

// segments returns the page slices covering [off, off+length).
func (b *ioBuffer) segments(off, length int) [][]byte {
	var segs [][]byte
	for length > 0 {
		idx, pgoff := off/pageSize, off%pageSize
		n := pageSize - pgoff
		if n > length {
			n = length
		}
		segs = append(segs, b.page(idx)[pgoff:pgoff+n])
		off += n
		length -= n
	}
	return segs
}

// borrow hands out an immutable view of a byte range. The view keeps the
// buffer alive until it is released.
func (b *ioBuffer) borrow(off, length int) *bufRange {
	if off+length > b.size {
		length = b.size - off
	}
	if length < 0 {
		length = 0
	}
	return &bufRange{buf: b.get(), off: off, length: length}
}

// bufRange is a borrowed byte range of an ioBuffer owned by one response
// fragment.
type bufRange struct {
	buf    *ioBuffer
	off    int
	length int
}

func (r *bufRange) segments() [][]byte {
	if r.buf == nil {
		return nil
	}
	return r.buf.segments(r.off, r.length)
}

func (r *bufRange) release() {
	if r.buf != nil {
		r.buf.put()
		r.buf = nil
	}
}
