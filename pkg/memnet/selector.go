package memnet

import (
	"robust-collective/pkg/link"
)

// selector implements link.Selector over memnet sockets: it blocks on
// the network's condition variable until at least one watched readiness
// condition holds, then snapshots which ones did.
type selector struct {
	net *Network

	watchRead   []*Socket
	watchWrite  []*Socket
	watchExcept []*Socket

	readyRead   map[*Socket]bool
	readyWrite  map[*Socket]bool
	readyExcept map[*Socket]bool
}

func (n *Network) NewSelector() link.Selector {
	return &selector{net: n}
}

func (sel *selector) WatchRead(s link.Socket)   { sel.watchRead = append(sel.watchRead, s.(*Socket)) }
func (sel *selector) WatchWrite(s link.Socket)  { sel.watchWrite = append(sel.watchWrite, s.(*Socket)) }
func (sel *selector) WatchExcept(s link.Socket) { sel.watchExcept = append(sel.watchExcept, s.(*Socket)) }

func (sel *selector) CheckRead(s link.Socket) bool   { return sel.readyRead[s.(*Socket)] }
func (sel *selector) CheckWrite(s link.Socket) bool  { return sel.readyWrite[s.(*Socket)] }
func (sel *selector) CheckExcept(s link.Socket) bool { return sel.readyExcept[s.(*Socket)] }

func (sel *selector) Select() error {
	sel.net.mu.Lock()
	defer sel.net.mu.Unlock()
	for {
		sel.readyRead = make(map[*Socket]bool)
		sel.readyWrite = make(map[*Socket]bool)
		sel.readyExcept = make(map[*Socket]bool)
		any := false
		for _, s := range sel.watchRead {
			if s.readReady() {
				sel.readyRead[s] = true
				any = true
			}
		}
		for _, s := range sel.watchWrite {
			if s.writeReady() {
				sel.readyWrite[s] = true
				any = true
			}
		}
		for _, s := range sel.watchExcept {
			if s.exceptReady() {
				sel.readyExcept[s] = true
				any = true
			}
		}
		if any {
			return nil
		}
		sel.net.cond.Wait()
	}
}
