// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yichenchong/proxyfleet/internal/consts"
)

// ConfigFile is a YAML file bound to a value, optionally watched for changes.
type ConfigFile struct {
	data any
	log  zerolog.Logger

	onChange func(fsnotify.Event)

	filename string

	mtx sync.Mutex
}

func NewConfigFile(log zerolog.Logger, filename string, data any) *ConfigFile {
	return &ConfigFile{
		filename: filename,
		data:     data,
		log:      log.With().Str("module", "file").Str("file", filename).Logger(),
	}
}

func (f *ConfigFile) Filename() string {
	return f.filename
}

func (f *ConfigFile) Load() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	data, err := os.ReadFile(f.filename)
	if err != nil {
		return err
	}

	return unmarshalStrict(data, f.data)
}

func (f *ConfigFile) Save() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	// create config directory
	dir, _ := filepath.Split(f.filename)
	if dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err1 := os.MkdirAll(dir, consts.PermOwnerAll); err1 != nil {
				return err1
			}
		}
	}

	out, err := yaml.Marshal(f.data)
	if err != nil {
		return err
	}

	return os.WriteFile(f.filename, out, consts.PermAllRead+consts.PermOwnerWrite)
}

// OnChange sets the event handler that is called when the file changes.
func (f *ConfigFile) OnChange(run func(in fsnotify.Event)) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.onChange = run
}

// Watch starts watching the file until ctx is done.
// The directory is watched so editors replacing the file are seen too.
func (f *ConfigFile) Watch(ctx context.Context) error {
	f.log.Debug().Msg("Start watching file")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create a new watcher: %w", err)
	}

	file := filepath.Clean(f.filename)
	dir, _ := filepath.Split(file)
	if dir == "" {
		dir = "."
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.filename, err)
	}

	go func() {
		defer watcher.Close()
		f.watchEvents(ctx, watcher, file)
	}()

	return nil
}

func (f *ConfigFile) watchEvents(ctx context.Context, watcher *fsnotify.Watcher, file string) {
	realFile, _ := filepath.EvalSymlinks(f.filename)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if f.handleEvent(event, file, &realFile) {
				return
			}
		case err, ok := <-watcher.Errors:
			if ok {
				f.log.Error().Err(err).Msg("watching file error")
			}
			return
		}
	}
}

// handleEvent returns true when the watched file was removed.
func (f *ConfigFile) handleEvent(event fsnotify.Event, file string, realFile *string) bool {
	currentFile, _ := filepath.EvalSymlinks(f.filename)
	if (filepath.Clean(event.Name) == file &&
		(event.Has(fsnotify.Write) || event.Has(fsnotify.Create))) ||
		(currentFile != "" && currentFile != *realFile) {
		*realFile = currentFile

		f.mtx.Lock()
		onChange := f.onChange
		f.mtx.Unlock()

		if onChange != nil {
			onChange(event)
		}
		return false
	}

	return filepath.Clean(event.Name) == file && event.Has(fsnotify.Remove)
}

func unmarshalStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}
