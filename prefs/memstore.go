// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefs

import (
	"sync"

	"github.com/pkg/errors"
)

type prefType int

const (
	typeString prefType = iota
	typeInt64
	typeBool
)

func (t prefType) String() string {
	switch t {
	case typeString:
		return "string"
	case typeInt64:
		return "int64"
	case typeBool:
		return "bool"
	default:
		return "unknown"
	}
}

type prefValue struct {
	typ     prefType
	str     string
	integer int64
	boolean bool
}

// MemStore is an in-memory Store, suitable for tests: a key set as one
// type cannot later be read back (or overwritten) as another, matching
// FakePrefs's CheckKeyType behavior.
type MemStore struct {
	mu     sync.Mutex
	values map[string]prefValue
}

// NewMemStore returns an empty in-memory preferences store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]prefValue)}
}

func (m *MemStore) checkType(key string, typ prefType) error {
	v, ok := m.values[key]
	if ok && v.typ != typ {
		return errors.Errorf("prefs: key %q previously set as %s, not %s", key, v.typ, typ)
	}
	return nil
}

func (m *MemStore) GetString(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeString); err != nil {
		return "", false, err
	}
	v, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	return v.str, true, nil
}

func (m *MemStore) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeString); err != nil {
		return err
	}
	m.values[key] = prefValue{typ: typeString, str: value}
	return nil
}

func (m *MemStore) GetInt64(key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeInt64); err != nil {
		return 0, false, err
	}
	v, ok := m.values[key]
	if !ok {
		return 0, false, nil
	}
	return v.integer, true, nil
}

func (m *MemStore) SetInt64(key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeInt64); err != nil {
		return err
	}
	m.values[key] = prefValue{typ: typeInt64, integer: value}
	return nil
}

func (m *MemStore) GetBoolean(key string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeBool); err != nil {
		return false, false, err
	}
	v, ok := m.values[key]
	if !ok {
		return false, false, nil
	}
	return v.boolean, true, nil
}

func (m *MemStore) SetBoolean(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkType(key, typeBool); err != nil {
		return err
	}
	m.values[key] = prefValue{typ: typeBool, boolean: value}
	return nil
}

func (m *MemStore) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
