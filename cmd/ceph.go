//go:build ceph
// +build ceph

package cmd

import (
	_ "github.com/gostor/ietgt/pkg/scsi/backingstore/cephstore"
)
