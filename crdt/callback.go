package crdt

import (
	"sync"

	"github.com/golang/glog"
)

// callbackList dispatches observer callbacks. Add returns a callback id
// for Remove so closures can be unsubscribed. Get returns a stable
// snapshot so callbacks can subscribe or unsubscribe while a dispatch
// is in flight.
type callbackList[T any] struct {
	stateLock sync.Mutex

	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *callbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, id := range self.callbackIds {
		if id == callbackId {
			self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
			break
		}
	}
	delete(self.callbacks, callbackId)
}

func (self *callbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// handleCallback guards observer dispatch so a panicking subscriber
// cannot corrupt the commit in flight.
func handleCallback(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[doc]observer panic: %v\n", r)
		}
	}()
	do()
}
