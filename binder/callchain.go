package binder

import (
	"context"
	"sync"
)

// link points at a frame of the call chain. The zero link points nowhere.
// A link whose generation no longer matches its frame refers to a call that
// already returned and ends the chain.
type link struct {
	idx uint32 // frame index + 1
	gen uint32
}

type frame struct {
	gen    uint32
	live   bool
	group  any
	api    *Api
	parent link
}

// callChain is the arena of in-flight verb and init frames. Frames reference
// their caller by link so a nested call can walk back to the outermost one.
type callChain struct {
	mu     sync.Mutex
	frames []frame
	free   []uint32
}

func (c *callChain) push(parent link, group any, api *Api) link {
	c.mu.Lock()
	defer c.mu.Unlock()

	var i uint32
	if n := len(c.free); n > 0 {
		i = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		c.frames = append(c.frames, frame{})
		i = uint32(len(c.frames) - 1)
	}
	f := &c.frames[i]
	f.live = true
	f.group = group
	f.api = api
	f.parent = parent
	return link{idx: i + 1, gen: f.gen}
}

func (c *callChain) pop(l link) {
	if l.idx == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &c.frames[l.idx-1]
	if !f.live || f.gen != l.gen {
		return
	}
	f.live = false
	f.gen++
	f.group = nil
	f.api = nil
	f.parent = link{}
	c.free = append(c.free, l.idx-1)
}

// holding returns the api of the first live frame from l outwards running in
// group, or false.
func (c *callChain) holding(l link, group any) (*Api, bool) {
	if group == nil {
		return nil, false
	}
	return c.find(l, func(f *frame) bool { return f.group == group })
}

// within reports whether a frame of api is live from l outwards.
func (c *callChain) within(l link, api *Api) bool {
	_, ok := c.find(l, func(f *frame) bool { return f.api == api })
	return ok
}

func (c *callChain) find(l link, pred func(f *frame) bool) (*Api, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for l.idx != 0 && int(l.idx) <= len(c.frames) {
		f := &c.frames[l.idx-1]
		if !f.live || f.gen != l.gen {
			return nil, false
		}
		if pred(f) {
			return f.api, true
		}
		l = f.parent
	}
	return nil, false
}

// depth counts the live frames from l outwards.
func (c *callChain) depth(l link) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for l.idx != 0 && int(l.idx) <= len(c.frames) {
		f := &c.frames[l.idx-1]
		if !f.live || f.gen != l.gen {
			break
		}
		n++
		l = f.parent
	}
	return n
}

type chainKey struct{}

func withLink(ctx context.Context, l link) context.Context {
	return context.WithValue(ctx, chainKey{}, l)
}

func linkFrom(ctx context.Context) link {
	if ctx == nil {
		return link{}
	}
	l, _ := ctx.Value(chainKey{}).(link)
	return l
}
