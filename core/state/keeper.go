package state

import "fmt"

var keeperRecordKey = []byte("keeper/record")

type storedKeeper struct {
	Controller  [20]byte
	Initialized bool
}

// KeeperController returns the capability address allowed to authorize
// reserve withdrawals. The boolean reports whether a controller has been
// bound yet.
func (m *Manager) KeeperController() ([20]byte, bool, error) {
	if m == nil {
		return [20]byte{}, false, fmt.Errorf("state manager unavailable")
	}
	var stored storedKeeper
	ok, err := m.KVGet(keeperRecordKey, &stored)
	if err != nil {
		return [20]byte{}, false, err
	}
	if !ok || !stored.Initialized {
		return [20]byte{}, false, nil
	}
	return stored.Controller, true, nil
}

// BindKeeperController stores the controller capability. The binding is
// one-way: once set it cannot be replaced or extended.
func (m *Manager) BindKeeperController(controller [20]byte) error {
	if m == nil {
		return fmt.Errorf("state manager unavailable")
	}
	if _, bound, err := m.KeeperController(); err != nil {
		return err
	} else if bound {
		return fmt.Errorf("keeper controller already bound")
	}
	return m.KVPut(keeperRecordKey, &storedKeeper{Controller: controller, Initialized: true})
}
