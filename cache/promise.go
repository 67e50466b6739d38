package cache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

type continuation struct {
	onResolve func(Image)
	onReject  func(error)
}

// Promise is the pending result of an image decode. It settles exactly once,
// either resolved with an Image or rejected with an error.
//
// Continuations registered with Then run on the goroutine that settles the
// promise, in registration order, before Resolve or Reject returns. If the
// promise has already settled, Then runs the continuation immediately.
type Promise struct {
	mu            sync.Mutex
	done          chan struct{}
	settled       bool
	value         Image
	err           error
	continuations []continuation
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolved returns a promise already resolved with img.
func Resolved(img Image) *Promise {
	p := NewPromise()
	p.Resolve(img)
	return p
}

// Rejected returns a promise already rejected with err.
func Rejected(err error) *Promise {
	p := NewPromise()
	p.Reject(err)
	return p
}

// Go runs fn on a new goroutine and settles the returned promise with its result.
func Go(ctx context.Context, fn func(ctx context.Context) (Image, error)) *Promise {
	p := NewPromise()
	go func() {
		img, err := fn(ctx)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(img)
	}()
	return p
}

// Resolve settles the promise with img. It returns false if the promise had
// already settled.
func (p *Promise) Resolve(img Image) bool {
	return p.settle(img, nil)
}

// Reject settles the promise with err. A nil err is replaced by ErrLoadFailed.
// It returns false if the promise had already settled.
func (p *Promise) Reject(err error) bool {
	if err == nil {
		err = ErrLoadFailed
	}
	return p.settle(nil, err)
}

func (p *Promise) settle(img Image, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value = img
	p.err = err
	pending := p.continuations
	p.continuations = nil
	close(p.done)
	p.mu.Unlock()

	for _, c := range pending {
		c.run(img, err)
	}
	return true
}

func (c continuation) run(img Image, err error) {
	if err != nil {
		if c.onReject != nil {
			c.onReject(err)
		}
		return
	}
	if c.onResolve != nil {
		c.onResolve(img)
	}
}

// Then registers a continuation. Either callback may be nil.
func (p *Promise) Then(onResolve func(Image), onReject func(error)) {
	c := continuation{onResolve: onResolve, onReject: onReject}
	p.mu.Lock()
	if !p.settled {
		p.continuations = append(p.continuations, c)
		p.mu.Unlock()
		return
	}
	img, err := p.value, p.err
	p.mu.Unlock()
	c.run(img, err)
}

// Done returns a channel closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has resolved or rejected.
func (p *Promise) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (Image, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for image")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}
