package auth

import "sync"

// publicSet tracks streams flagged public at publish time.
type publicSet struct {
	mu  sync.RWMutex
	set map[[2]string]struct{}
}

func (p *publicSet) add(app, stream string) {
	p.mu.Lock()
	if p.set == nil {
		p.set = make(map[[2]string]struct{})
	}
	p.set[[2]string{app, stream}] = struct{}{}
	p.mu.Unlock()
}

func (p *publicSet) remove(app, stream string) {
	p.mu.Lock()
	delete(p.set, [2]string{app, stream})
	p.mu.Unlock()
}

func (p *publicSet) has(app, stream string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.set[[2]string{app, stream}]
	return ok
}
