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

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVText(t *testing.T) {
	kv := []KeyValue{
		{"HeaderDigest", "CRC32C,None"},
		{"InitiatorName", "iqn.1994-05.com.redhat:client"},
		{"SendTargets", "All"},
	}
	data := MarshalKVText(kv)
	assert.Equal(t, kv, ParseKVList(data))
	assert.Equal(t, "All", ParseKVText(data)["SendTargets"])

	// a trailing pair without terminator and a pair without '=' are ignored
	assert.Equal(t, []KeyValue{{"A", "1"}}, ParseKVList([]byte("A=1\x00junk\x00B=2")))
}

func TestSerialNumbers(t *testing.T) {
	cases := map[string]struct {
		s1, s2      uint32
		before, aft bool
	}{
		"equal":      {10, 10, false, false},
		"less":       {9, 10, true, false},
		"greater":    {11, 10, false, true},
		"wrap-after": {1, 0xfffffffe, false, true},
		"wrap-less":  {0xfffffffe, 1, true, false},
	}
	for name, c := range cases {
		assert.Equal(t, c.before, SNBefore(c.s1, c.s2), name)
		assert.Equal(t, c.aft, SNAfter(c.s1, c.s2), name)
	}

	assert.True(t, SNBetween(5, 5, 5))
	assert.True(t, SNBetween(6, 5, 10))
	assert.False(t, SNBetween(11, 5, 10))
	assert.False(t, SNBetween(4, 5, 10))
	assert.True(t, SNBetween(0, 0xfffffff0, 0x10))
}

func TestPadLen(t *testing.T) {
	assert.Equal(t, 0, PadLen(0))
	assert.Equal(t, 4, PadLen(1))
	assert.Equal(t, 8192, PadLen(8192))
	assert.Equal(t, 52, PadLen(49))
}

func TestStringToByte(t *testing.T) {
	assert.Equal(t, []byte("ab\x00\x00"), StringToByte("ab", 4, 256))
	assert.Equal(t, []byte("abcd"), StringToByte("abcdef", 4, 4))
}
