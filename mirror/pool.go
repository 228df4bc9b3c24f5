package mirror

import (
	"sync"

	"github.com/golang/glog"

	"bringyour.com/codoc/crdt"
)

type ClientState string

const (
	ClientStateCreated ClientState = "created"
	ClientStateSyncing ClientState = "syncing"
	ClientStateSynced  ClientState = "synced"
)

func (self ClientState) IsSynced() bool {
	return self == ClientStateSynced
}

// Client is one replica: it exclusively owns one document and reports
// every non-empty update payload back to its pool.
type Client struct {
	doc   *crdt.Doc
	pool  *ClientPool
	state ClientState
	unsub func()
}

func (self *Client) Doc() *crdt.Doc {
	return self.doc
}

func (self *Client) State() ClientState {
	return self.state
}

// Close stops reporting this client's transactions to the pool. The
// document stays usable standalone.
func (self *Client) Close() {
	if self.unsub != nil {
		self.unsub()
		self.unsub = nil
	}
}

type ClientPoolSettings struct {
	LogTag string
}

func DefaultClientPoolSettings() *ClientPoolSettings {
	return &ClientPoolSettings{
		LogTag: "pool",
	}
}

// ClientPool coordinates replicas: it bootstraps new clients against
// the first-joined client and fans every update payload out to all
// clients. Payload application relies entirely on the idempotent,
// commutative document merge, so re-delivery and echo rounds are
// harmless.
type ClientPool struct {
	settings *ClientPoolSettings

	stateLock sync.Mutex
	// join order
	clients []*Client
}

func NewClientPoolWithDefaults() *ClientPool {
	return NewClientPool(DefaultClientPoolSettings())
}

func NewClientPool(settings *ClientPoolSettings) *ClientPool {
	return &ClientPool{
		settings: settings,
	}
}

// CreateClient creates a replica and bootstraps it in three steps: the
// new document computes its state vector, the reference document (the
// first-joined client) computes a diff against it, and the new document
// applies the diff. An empty pool yields a trivially synced client.
func (self *ClientPool) CreateClient() *Client {
	client := &Client{
		doc:   crdt.NewDoc(),
		pool:  self,
		state: ClientStateCreated,
	}
	client.unsub = client.doc.ObserveAfterTransaction(func(event crdt.AfterTransactionEvent) {
		if crdt.IsEmptyUpdate(event.Update) {
			// no-op transaction, nothing to broadcast
			return
		}
		self.Sync(event.Update)
	})

	if reference := self.referenceClient(); reference != nil {
		client.state = ClientStateSyncing
		stateVector := client.doc.StateVector()
		diff, err := reference.doc.Diff(stateVector)
		if err == nil {
			err = client.doc.ApplyUpdate(diff)
		}
		if err != nil {
			// both documents are local, so this is a protocol bug
			glog.Warningf("[%s]bootstrap failed: %s\n", self.settings.LogTag, err)
		}
	}
	client.state = ClientStateSynced

	self.stateLock.Lock()
	self.clients = append(self.clients, client)
	self.stateLock.Unlock()

	glog.V(1).Infof("[%s]client %s joined\n", self.settings.LogTag, client.doc.Id())
	return client
}

func (self *ClientPool) referenceClient() *Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.clients) == 0 {
		return nil
	}
	return self.clients[0]
}

// Sync applies one update payload to every client's document,
// including the originator, where it merges as a no-op.
func (self *ClientPool) Sync(update []byte) {
	if crdt.IsEmptyUpdate(update) {
		return
	}
	for _, client := range self.Clients() {
		if err := client.doc.ApplyUpdate(update); err != nil {
			glog.Warningf("[%s]client %s rejected update: %s\n", self.settings.LogTag, client.doc.Id(), err)
		}
	}
}

// Clients returns the clients in join order.
func (self *ClientPool) Clients() []*Client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	clients := make([]*Client, len(self.clients))
	copy(clients, self.clients)
	return clients
}
