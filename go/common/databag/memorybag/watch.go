// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memorybag

import (
	"context"
	"sync"

	"github.com/multigres/pgoperator/go/common/databag"
)

// watcher queues notifications without bounding them so writers never block
// on a slow consumer.
type watcher struct {
	prefix string
	cancel context.CancelFunc
	out    chan *databag.WatchData

	mu      sync.Mutex
	queue   []*databag.WatchData
	wake    chan struct{}
	stopped bool
	final   error
}

func newWatcher(prefix string, cancel context.CancelFunc) *watcher {
	return &watcher{
		prefix: prefix,
		cancel: cancel,
		out:    make(chan *databag.WatchData, 1),
		wake:   make(chan struct{}, 1),
	}
}

func (w *watcher) push(wd *databag.WatchData) {
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, wd)
	}
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) stop(err error) {
	w.mu.Lock()
	w.stopped = true
	w.final = err
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued notifications in order. Once stopped it drops what is
// left, offers the final error and closes out.
func (w *watcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if w.stopped {
			final := w.final
			w.queue = nil
			w.mu.Unlock()
			select {
			case w.out <- &databag.WatchData{Err: final}:
			default:
			}
			return
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			<-w.wake
			continue
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- next:
		case <-w.wake:
			w.mu.Lock()
			w.queue = append([]*databag.WatchData{next}, w.queue...)
			w.mu.Unlock()
		}
	}
}
