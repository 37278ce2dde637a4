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

// findCmd looks a request up by initiator task tag. A TTT other than the
// reserved value must match the one the target assigned. Target pings carry
// the reserved ITT and are found by TTT alone.
func (s *ISCSISession) findCmd(itt, ttt uint32) *iscsiCmd {
	if itt == reservedTag {
		if ttt == reservedTag {
			return nil
		}
		return s.pings[ttt]
	}
	cmd := s.cmds[itt]
	if cmd == nil {
		return nil
	}
	if ttt != reservedTag && ttt != cmd.ttt {
		return nil
	}
	return cmd
}

// insertHashTTT registers a target ping under its TTT.
func (s *ISCSISession) insertHashTTT(cmd *iscsiCmd, ttt uint32) error {
	if _, ok := s.pings[ttt]; ok {
		return reasonTaskInProgress
	}
	cmd.ttt = ttt
	s.pings[ttt] = cmd
	cmd.set(cmdHashed)
	return nil
}

// insertHash registers a new request by ITT and then runs the sequence
// number checks on it. A duplicate ITT marks the newcomer aborted unless it
// is immediate.
func (conn *iscsiConnection) insertHash(cmd *iscsiCmd) error {
	s := conn.session
	itt := cmd.itt()
	if itt == reservedTag {
		return reasonProtocolError
	}
	if _, ok := s.cmds[itt]; ok {
		if !cmd.immediate() {
			cmd.set(cmdTMFAbort)
		}
		return reasonTaskInProgress
	}
	s.cmds[itt] = cmd
	cmd.set(cmdHashed)
	if err := s.checkCmdSN(cmd); err != nil {
		return err
	}
	conn.updateStatSN(cmd)
	return nil
}

// removeHash drops cmd from the registry only if it is the entry found
// under its key.
func (s *ISCSISession) removeHash(cmd *iscsiCmd) {
	if !cmd.has(cmdHashed) {
		return
	}
	cmd.clear(cmdHashed)
	if itt := cmd.itt(); itt != reservedTag {
		if s.cmds[itt] == cmd {
			delete(s.cmds, itt)
		}
		return
	}
	if s.pings[cmd.ttt] == cmd {
		delete(s.pings, cmd.ttt)
	}
}

// newTTT hands out target transfer tags, never the reserved one.
func (s *ISCSISession) newTTT() uint32 {
	ttt := s.nextTTT
	s.nextTTT++
	if ttt == reservedTag {
		ttt = s.nextTTT
		s.nextTTT++
	}
	return ttt
}
