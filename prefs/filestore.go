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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileStore is a Store backed by one regular file per key under dir, the
// same one-file-per-key convention the real update_engine prefs
// implementation uses so the resume state survives a daemon restart.
type FileStore struct {
	dir string
}

// NewFileStore returns a Store rooted at dir, creating dir if it does not
// already exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "prefs: creating store directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key)
}

func (f *FileStore) read(key string) (string, bool, error) {
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "prefs: reading %s", key)
	}
	return string(b), true, nil
}

func (f *FileStore) write(key, value string) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return errors.Wrapf(err, "prefs: writing %s", key)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return errors.Wrapf(err, "prefs: committing %s", key)
	}
	return nil
}

func (f *FileStore) GetString(key string) (string, bool, error) {
	return f.read(key)
}

func (f *FileStore) SetString(key, value string) error {
	return f.write(key, value)
}

func (f *FileStore) GetInt64(key string) (int64, bool, error) {
	s, ok, err := f.read(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "prefs: parsing %s as int64", key)
	}
	return v, true, nil
}

func (f *FileStore) SetInt64(key string, value int64) error {
	return f.write(key, strconv.FormatInt(value, 10))
}

func (f *FileStore) GetBoolean(key string) (bool, bool, error) {
	s, ok, err := f.read(key)
	if err != nil || !ok {
		return false, ok, err
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false, errors.Wrapf(err, "prefs: parsing %s as bool", key)
	}
	return v, true, nil
}

func (f *FileStore) SetBoolean(key string, value bool) error {
	return f.write(key, strconv.FormatBool(value))
}

func (f *FileStore) Exists(key string) bool {
	_, err := os.Stat(f.path(key))
	return err == nil
}

func (f *FileStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "prefs: deleting %s", key)
	}
	return nil
}
