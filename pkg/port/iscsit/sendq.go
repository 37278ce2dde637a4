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
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const defaultSendBudget = 256 * 1024

var errSendQueueClosed = errors.New("send queue closed")

// sendQueue is the socket side of the transmit machine. writev only queues
// references to the caller's slices, up to a byte budget; a writer
// goroutine pushes them to the socket with vectored writes. When a writev
// came up short, onSpace is called once the writer has drained the queue.
type sendQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	bufs      net.Buffers
	queued    int
	limit     int
	closed    bool
	wantSpace bool
	err       error

	conn    net.Conn
	onSpace func()
	onError func(error)
	done    chan struct{}
}

func newSendQueue(conn net.Conn, limit int, onSpace func(), onError func(error)) *sendQueue {
	if limit <= 0 {
		limit = defaultSendBudget
	}
	q := &sendQueue{
		conn:    conn,
		limit:   limit,
		onSpace: onSpace,
		onError: onError,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) writev(iov [][]byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if q.err != nil {
			return 0, q.err
		}
		return 0, errSendQueueClosed
	}
	room := q.limit - q.queued
	n := 0
	for _, b := range iov {
		if room <= 0 {
			break
		}
		if len(b) > room {
			b = b[:room]
		}
		q.bufs = append(q.bufs, b)
		n += len(b)
		room -= len(b)
	}
	q.queued += n
	if n > 0 {
		q.cond.Signal()
	}
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	if n < total {
		q.wantSpace = true
	}
	return n, nil
}

func (q *sendQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.bufs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.bufs) == 0 {
			q.mu.Unlock()
			return
		}
		bufs := q.bufs
		q.bufs = nil
		q.mu.Unlock()

		n, err := bufs.WriteTo(q.conn)

		q.mu.Lock()
		q.queued -= int(n)
		want := q.wantSpace && q.queued < q.limit
		if want {
			q.wantSpace = false
		}
		if err != nil {
			q.err = err
			q.closed = true
			q.bufs = nil
		}
		q.mu.Unlock()

		if err != nil {
			if q.onError != nil {
				q.onError(err)
			}
			return
		}
		if want && q.onSpace != nil {
			q.onSpace()
		}
	}
}

// shutdown lets the writer flush what is queued, bounded by timeout, and
// then closes the socket.
func (q *sendQueue) shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.conn.SetWriteDeadline(time.Now().Add(timeout))
	select {
	case <-q.done:
	case <-time.After(timeout):
	}
	q.conn.Close()
}
