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

// Package util provides some basic util functions.
package util

import (
	"encoding/binary"
)

type KeyValue struct {
	Key   string
	Value string
}

func GetUnalignedUint16(u8 []uint8) uint16 {
	return binary.BigEndian.Uint16(u8)
}

func GetUnalignedUint32(u8 []uint8) uint32 {
	return binary.BigEndian.Uint32(u8)
}

func GetUnalignedUint64(u8 []uint8) uint64 {
	return binary.BigEndian.Uint64(u8)
}

func PutUnalignedUint16(u8 []uint8, v uint16) {
	binary.BigEndian.PutUint16(u8, v)
}

func PutUnalignedUint32(u8 []uint8, v uint32) {
	binary.BigEndian.PutUint32(u8, v)
}

func PutUnalignedUint64(u8 []uint8, v uint64) {
	binary.BigEndian.PutUint64(u8, v)
}

// ParseKVText parses iSCSI key value data.
func ParseKVText(txt []byte) map[string]string {
	m := make(map[string]string)
	for _, kv := range ParseKVList(txt) {
		m[kv.Key] = kv.Value
	}
	return m
}

// ParseKVList parses iSCSI key value data keeping the order in which the
// keys were offered. Pairs without a '=' are dropped.
func ParseKVList(txt []byte) []KeyValue {
	var (
		list []KeyValue
		kv   int
		sep  = -1
	)
	for i := 0; i < len(txt); i++ {
		switch txt[i] {
		case '=':
			if sep < 0 {
				sep = i
			}
		case 0:
			if sep > kv {
				list = append(list, KeyValue{Key: string(txt[kv:sep]), Value: string(txt[sep+1 : i])})
			}
			kv = i + 1
			sep = -1
		}
	}
	return list
}

func MarshalKVText(kv []KeyValue) []byte {
	var data []byte
	for _, v := range kv {
		data = append(data, []byte(v.Key)...)
		data = append(data, '=')
		data = append(data, []byte(v.Value)...)
		data = append(data, 0)
	}
	return data
}

func MarshalUint16(i uint16) []byte {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, i)
	return data
}

func MarshalUint32(i uint32) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, i)
	return data
}

func MarshalUint64(v uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return data
}

// StringToByte copies str into a zero padded buffer aligned to align bytes,
// truncated to maxlength.
func StringToByte(str string, align int, maxlength int) []byte {
	data := []byte(str)
	length := len(data)
	d := align - (length % align)
	if (length + d) > maxlength {
		return data[0:maxlength]
	}
	data2 := make([]byte, length+d)
	copy(data2, data)
	return data2
}

// Serial number arithmetic on 32-bit sequence numbers (RFC 1982).

// SNBefore reports whether s1 precedes s2.
func SNBefore(s1, s2 uint32) bool {
	return int32(s1-s2) < 0
}

// SNAfter reports whether s1 follows s2.
func SNAfter(s1, s2 uint32) bool {
	return int32(s2-s1) < 0
}

// SNBetween reports whether s2 <= s1 <= s3.
func SNBetween(s1, s2, s3 uint32) bool {
	return s3-s2 >= s1-s2
}

// PadLen rounds n up to a multiple of four.
func PadLen(n int) int {
	return (n + 3) &^ 3
}
