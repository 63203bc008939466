// MIT License
//
// # Copyright (c) 2023 Jimmy Fjällid
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package smb

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// creditWindow tracks the credits the server has granted. The semaphore holds
// max tokens; tokens that are neither granted nor consumed stay acquired by
// the window itself so that Acquire blocks until a response grants more.
type creditWindow struct {
	sem  *semaphore.Weighted
	max  int64
	mu   sync.Mutex
	held int64
}

func newCreditWindow(max uint16, initial uint16) *creditWindow {
	w := &creditWindow{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
	if initial > max {
		initial = max
	}
	w.held = int64(max - initial)
	// Cannot block: nothing else holds the semaphore yet.
	w.sem.TryAcquire(w.held)
	return w
}

// acquire consumes n credits, blocking until the server has granted enough.
func (w *creditWindow) acquire(ctx context.Context, n uint16) error {
	if n == 0 {
		return nil
	}
	if int64(n) > w.max {
		return fmt.Errorf("request charge of %d credits exceeds the credit window of %d", n, w.max)
	}
	if err := w.sem.Acquire(ctx, int64(n)); err != nil {
		return err
	}
	w.mu.Lock()
	w.held += int64(n)
	w.mu.Unlock()
	return nil
}

// grant makes n more credits available, bounded by the window size.
func (w *creditWindow) grant(n uint16) {
	w.mu.Lock()
	r := int64(n)
	if r > w.held {
		r = w.held
	}
	w.held -= r
	w.mu.Unlock()
	if r > 0 {
		w.sem.Release(r)
	}
}

func (w *creditWindow) available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max - w.held
}
