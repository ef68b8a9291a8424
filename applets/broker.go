// Package applets implements the library applets a title can launch and
// the data broker both sides exchange buffers through.
package applets

import (
	"hle/kernel"
)

// Storage is one buffer moved between a title and an applet.
type Storage struct {
	Data []byte
}

func NewStorage(data []byte) *Storage { return &Storage{Data: data} }

func (s *Storage) Size() int { return len(s.Data) }

type storageQueue []*Storage

func (q *storageQueue) push(s *Storage) { *q = append(*q, s) }

func (q *storageQueue) pop() *Storage {
	if len(*q) == 0 {
		return nil
	}
	s := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return s
}

// DataBroker carries storages between a title and an applet. Queues are
// named from the applet's point of view: "in" flows from the game, "out"
// flows to it.
//
// Pops never block; an empty queue yields nil. Callers hold the kernel
// lock, since pushes signal kernel events.
type DataBroker struct {
	in             storageQueue
	out            storageQueue
	inInteractive  storageQueue
	outInteractive storageQueue

	stateChanged       kernel.EventPair
	popOutData         kernel.EventPair
	popInteractiveData kernel.EventPair
}

func NewDataBroker(k *kernel.KernelCore) *DataBroker {
	return &DataBroker{
		stateChanged:       kernel.CreateEventPair(k, kernel.ResetManual, "ILibraryAppletAccessor:StateChangedEvent"),
		popOutData:         kernel.CreateEventPair(k, kernel.ResetManual, "ILibraryAppletAccessor:PopDataOutEvent"),
		popInteractiveData: kernel.CreateEventPair(k, kernel.ResetManual, "ILibraryAppletAccessor:PopInteractiveDataOutEvent"),
	}
}

func (b *DataBroker) PopNormalDataToGame() *Storage        { return b.out.pop() }
func (b *DataBroker) PopNormalDataToApplet() *Storage      { return b.in.pop() }
func (b *DataBroker) PopInteractiveDataToGame() *Storage   { return b.outInteractive.pop() }
func (b *DataBroker) PopInteractiveDataToApplet() *Storage { return b.inInteractive.pop() }

func (b *DataBroker) PushNormalDataFromGame(s *Storage) { b.in.push(s) }

func (b *DataBroker) PushNormalDataFromApplet(s *Storage) {
	b.out.push(s)
	b.popOutData.Writable.Signal()
}

func (b *DataBroker) PushInteractiveDataFromGame(s *Storage) { b.inInteractive.push(s) }

func (b *DataBroker) PushInteractiveDataFromApplet(s *Storage) {
	b.outInteractive.push(s)
	b.popInteractiveData.Writable.Signal()
}

// SignalStateChanged reports a lifecycle change of the applet itself.
func (b *DataBroker) SignalStateChanged() { b.stateChanged.Writable.Signal() }

func (b *DataBroker) NormalDataEvent() *kernel.ReadableEvent      { return b.popOutData.Readable }
func (b *DataBroker) InteractiveDataEvent() *kernel.ReadableEvent { return b.popInteractiveData.Readable }
func (b *DataBroker) StateChangedEvent() *kernel.ReadableEvent    { return b.stateChanged.Readable }
