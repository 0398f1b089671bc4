package dispatch

import "sync"

// WatchStore tracks which clients are interested in a driver's position
// updates. A client starts watching its driver when the ride is confirmed and
// stops on completion or disconnect, so accepted location updates reach only
// the interested party instead of every open connection.
type WatchStore struct {
	mu       sync.RWMutex
	byDriver map[string]map[string]struct{}
}

// NewWatchStore creates an empty WatchStore.
func NewWatchStore() *WatchStore {
	return &WatchStore{byDriver: make(map[string]map[string]struct{})}
}

// Subscribe registers the client as a watcher of the driver.
func (w *WatchStore) Subscribe(driverID, clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.byDriver[driverID]
	if !ok {
		set = make(map[string]struct{})
		w.byDriver[driverID] = set
	}
	set[clientID] = struct{}{}
}

// Unsubscribe removes one client/driver association.
func (w *WatchStore) Unsubscribe(driverID, clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.byDriver[driverID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(w.byDriver, driverID)
		}
	}
}

// Watchers lists the clients currently watching the driver.
func (w *WatchStore) Watchers(driverID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	set := w.byDriver[driverID]
	res := make([]string, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	return res
}

// DropDriver purges all subscriptions on the driver.
func (w *WatchStore) DropDriver(driverID string) {
	w.mu.Lock()
	delete(w.byDriver, driverID)
	w.mu.Unlock()
}

// DropClient purges the client from every driver it watches.
func (w *WatchStore) DropClient(clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for driverID, set := range w.byDriver {
		delete(set, clientID)
		if len(set) == 0 {
			delete(w.byDriver, driverID)
		}
	}
}
