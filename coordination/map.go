package coordination

// note, CompareAndSwap(key, nil, new), key must exist
type ConcurrentMap interface {
	Clear()
	CompareAndDelete(key, old any) (deleted bool)
	CompareAndSwap(key, old, new any) (swapped bool)
	Delete(key any)
	Load(key any) (value any, ok bool)
	LoadAndDelete(key any) (value any, loaded bool)
	LoadOrStore(key, value any) (actual any, loaded bool)
	Range(f func(key, value any) bool)
	Store(key, value any)
	Swap(key, value any) (previous any, loaded bool)
}

// A Big Locked Struct

type LockedMap struct {
	rb    Roundabout
	inner map[any]any
}

func (m *LockedMap) Load(key any) (value any, ok bool) {
	if m == nil {
		return nil, false
	}

	m.rb.ShareRing(func(epoch uint16, flags uint16) error {
		value, ok = m.inner[key]
		return nil
	})
	if value == nil {
		return nil, false
	}
	return
}

func (m *LockedMap) Store(key, value any) {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			m.inner = make(map[any]any, 8)
		}
		m.inner[key] = value
		return nil
	})

}

func (m *LockedMap) Swap(key, value any) (previous any, loaded bool) {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			m.inner = make(map[any]any, 8)
		}
		previous, loaded = m.inner[key]
		if !loaded {
			previous = value
		}
		m.inner[key] = value
		return nil
	})
	if previous == nil {
		return nil, false
	}
	return
}

func (m *LockedMap) CompareAndDelete(key, old any) (deleted bool) {
	if old == nil {
		return false
	}
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			return nil
		}
		v, ok := m.inner[key]
		if ok && v == old {
			delete(m.inner, key)
			if v != nil {
				deleted = true
			}
		}

		return nil
	})
	return
}

func (m *LockedMap) CompareAndSwap(key, old, new any) (swapped bool) {
	if old == nil {
		return false
	}
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			return nil
		}
		v, ok := m.inner[key]
		if ok && v == old {
			m.inner[key] = new
			swapped = true
		}

		return nil
	})
	return
}

func (m *LockedMap) Delete(key any) {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			return nil
		}
		delete(m.inner, key)
		return nil
	})
}

func (m *LockedMap) LoadAndDelete(key any) (value any, loaded bool) {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			return nil
		}
		value, loaded = m.inner[key]
		delete(m.inner, key)
		return nil
	})
	if value == nil {
		return nil, false
	}
	return

}

func (m *LockedMap) LoadOrStore(key, value any) (actual any, loaded bool) {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		if m.inner == nil {
			m.inner = make(map[any]any, 8)
		}
		actual, loaded = m.inner[key]
		if !loaded {
			m.inner[key] = value
		}
		return nil
	})
	if actual == nil {
		return nil, false
	}
	return
}

func (m *LockedMap) Range(f func(key, value any) bool) {
	// range allows map operations inside callback, so
	// we make a copy, as go does not have iterators
	copy := make(map[any]any, len(m.inner))
	m.rb.OrderRing(func(epoch uint16, flags uint16) error {
		if len(m.inner) == 0 {
			return nil
		}
		for k, v := range m.inner {
			if v != nil {
				copy[k] = v
			}
		}
		return nil
	})
	for k, v := range copy {
		if !f(k, v) {
			break
		}
	}

}

func (m *LockedMap) Clear() {
	m.rb.LockRing(func(epoch uint16, flags uint16) error {
		m.inner = make(map[any]any, 8)
		return nil
	})
}
