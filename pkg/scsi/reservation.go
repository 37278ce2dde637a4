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

package scsi

import (
	log "github.com/sirupsen/logrus"
)

// reservation is the RESERVE(6)/RELEASE(6) state of a LU. The holder is an
// I_T nexus, identified by its session.
type reservation struct {
	held   bool
	holder uint64
}

// conflicts reports whether the LU is reserved by another nexus than sid.
func (lu *LU) conflicts(sid uint64) bool {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	return lu.reserve.held && lu.reserve.holder != sid
}

func (lu *LU) reserveFor(sid uint64) bool {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	if lu.reserve.held && lu.reserve.holder != sid {
		return false
	}
	lu.reserve = reservation{held: true, holder: sid}
	return true
}

// releaseFor drops the reservation when sid holds it. A release by another
// nexus is not an error and leaves the reservation in place.
func (lu *LU) releaseFor(sid uint64) {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	if lu.reserve.held && lu.reserve.holder == sid {
		lu.reserve = reservation{}
	}
}

func (lu *LU) clearReservation() {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	if lu.reserve.held {
		log.Debugf("lun %d: reservation of session %#x cleared", lu.LUN, lu.reserve.holder)
	}
	lu.reserve = reservation{}
}

func SBCReserve(cmd *Command) SAMStat {
	// third party and extent reservations
	if cmd.SCB[1]&0x11 != 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	if !cmd.LU.reserveFor(cmd.nexus().SessionID) {
		return SAMStatReservationConflict
	}
	return SAMStatGood
}

func SBCRelease(cmd *Command) SAMStat {
	if cmd.SCB[1]&0x11 != 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	cmd.LU.releaseFor(cmd.nexus().SessionID)
	return SAMStatGood
}
