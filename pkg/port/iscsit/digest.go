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
	"encoding/binary"
	"hash"
	"hash/crc32"
)

type DigestType int

const (
	DigestNone   DigestType = 1
	DigestCRC32C DigestType = 2
)

func (d DigestType) String() string {
	if d == DigestCRC32C {
		return "CRC32C"
	}
	return "None"
}

// digestBatch is the number of page segments fed to the hash per update.
const digestBatch = 8

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	zeroPad    [4]byte
)

func newDigest() hash.Hash32 {
	return crc32.New(castagnoli)
}

// headerDigest covers the BHS and any AHS as one run.
func headerDigest(bhs, ahs []byte) uint32 {
	crc := crc32.Update(0, castagnoli, bhs)
	return crc32.Update(crc, castagnoli, ahs)
}

// dataDigest covers data zero padded to a four byte boundary.
func dataDigest(data []byte) uint32 {
	crc := crc32.Update(0, castagnoli, data)
	if pad := padding(len(data)); pad > 0 {
		crc = crc32.Update(crc, castagnoli, zeroPad[:pad])
	}
	return crc
}

// segmentsDigest is dataDigest over a scatter list, usually the page slices
// of a borrowed ioBuffer range.
func segmentsDigest(segs [][]byte) uint32 {
	var (
		crc   uint32
		total int
	)
	for len(segs) > 0 {
		n := digestBatch
		if n > len(segs) {
			n = len(segs)
		}
		for _, s := range segs[:n] {
			crc = crc32.Update(crc, castagnoli, s)
			total += len(s)
		}
		segs = segs[n:]
	}
	if pad := padding(total); pad > 0 {
		crc = crc32.Update(crc, castagnoli, zeroPad[:pad])
	}
	return crc
}

func padding(n int) int {
	return (4 - n%4) % 4
}

// Digests travel least significant byte first.
func putDigest(b []byte, crc uint32) {
	binary.LittleEndian.PutUint32(b, crc)
}

func getDigest(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
