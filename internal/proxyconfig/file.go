package proxyconfig

//
// file.go - configuration from a human-friendly JSON file.
//

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ooni/pacproxy/internal/hujsonx"
	"github.com/ooni/pacproxy/internal/model"
	"go.uber.org/multierr"
)

// fileDocumentVersion is the current version of the configuration file.
const fileDocumentVersion = 1

// errFileWrongVersion means that the configuration file has the wrong version number.
var errFileWrongVersion = errors.New("wrong proxy configuration file version")

// fileDocument is the root of the configuration file. For example:
//
//	{
//		// the document version
//		"Version": 1,
//		"AutoDetect": true,
//		"PACURL": "http://example.com/proxy.pac",
//		"PACMandatory": false,
//		"ProxyRules": "http=10.0.0.1:3128;socks=10.0.0.2:1080",
//		"Bypass": ["<local>", "*.example.org", "10.0.0.0/8"],
//		"ReverseBypass": false,
//	}
type fileDocument struct {
	AutoDetect    bool
	Bypass        []string
	PACMandatory  bool
	PACURL        string
	ProxyRules    string
	ReverseBypass bool
	Version       int
}

// fileSourceName is the value of Config.Source for [FileSource].
const fileSourceName = "file"

// LoadFile reads the configuration file at the given path. A missing
// file means [AvailabilityUnset].
func LoadFile(path string) (Config, Availability, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{Source: fileSourceName}, AvailabilityUnset, nil
	}
	if err != nil {
		return Config{}, 0, err
	}
	return ParseFile(path, data)
}

// ParseFile parses the content of a configuration file.
func ParseFile(path string, data []byte) (Config, Availability, error) {
	var doc fileDocument
	if err := hujsonx.Unmarshal(data, &doc); err != nil {
		return Config{}, 0, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Version != fileDocumentVersion {
		err := fmt.Errorf(
			"%s: %w: expected=%d got=%d",
			path,
			errFileWrongVersion,
			fileDocumentVersion,
			doc.Version,
		)
		return Config{}, 0, err
	}
	rules, err := ParseRules(doc.ProxyRules)
	if err != nil {
		return Config{}, 0, fmt.Errorf("%s: %w", path, err)
	}
	for _, entry := range doc.Bypass {
		if err := rules.Bypass.Add(entry); err != nil {
			return Config{}, 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	rules.ReverseBypass = doc.ReverseBypass
	config := Config{
		AutoDetect:   doc.AutoDetect,
		PACURL:       doc.PACURL,
		PACMandatory: doc.PACMandatory,
		Rules:        rules,
		Source:       fileSourceName,
	}
	return config, AvailabilityValid, nil
}

// FileSource is a [Source] reading a configuration file and watching it
// for changes. We keep the previous configuration when the file becomes
// invalid and we use [AvailabilityUnset] when the file is removed.
//
// Construct using [NewFileSource].
type FileSource struct {
	availability Availability
	config       Config
	done         chan struct{}
	logger       model.Logger
	mu           sync.Mutex
	observers    observerList
	once         sync.Once
	path         string
	watchErr     error
	watcher      *fsnotify.Watcher
}

var _ Source = &FileSource{}

// NewFileSource loads the configuration at the given path and starts
// watching the containing directory. The initial load must succeed.
func NewFileSource(path string, logger model.Logger) (*FileSource, error) {
	path = filepath.Clean(path)
	config, availability, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	fs := &FileSource{
		availability: availability,
		config:       config,
		done:         make(chan struct{}),
		logger:       model.ValidLoggerOrDefault(logger),
		path:         path,
		watcher:      watcher,
	}
	go fs.watch()
	return fs, nil
}

// Latest implements Source.
func (fs *FileSource) Latest() (Config, Availability) {
	defer fs.mu.Unlock()
	fs.mu.Lock()
	return fs.config, fs.availability
}

// AddObserver implements Source.
func (fs *FileSource) AddObserver(o Observer) {
	fs.observers.add(o)
}

// RemoveObserver implements Source.
func (fs *FileSource) RemoveObserver(o Observer) {
	fs.observers.remove(o)
}

// OnLazyPoll implements Source.
func (fs *FileSource) OnLazyPoll() {
	// nothing: we are notified by the watcher
}

// Close stops watching the file. The returned error also includes the
// first error reported by the watcher, if any. This method is idempotent.
func (fs *FileSource) Close() (err error) {
	fs.once.Do(func() {
		err = fs.watcher.Close()
		<-fs.done
		fs.mu.Lock()
		err = multierr.Append(err, fs.watchErr)
		fs.mu.Unlock()
	})
	return
}

func (fs *FileSource) watch() {
	defer close(fs.done)
	for {
		select {
		case ev, good := <-fs.watcher.Events:
			if !good {
				return
			}
			if filepath.Clean(ev.Name) != fs.path {
				continue
			}
			fs.reload()

		case err, good := <-fs.watcher.Errors:
			if !good {
				return
			}
			fs.logger.Warnf("proxyconfig: watching %s: %s", fs.path, err.Error())
			fs.mu.Lock()
			if fs.watchErr == nil {
				fs.watchErr = err
			}
			fs.mu.Unlock()
		}
	}
}

func (fs *FileSource) reload() {
	config, availability, err := LoadFile(fs.path)
	if err != nil {
		fs.logger.Warnf("proxyconfig: keeping previous configuration: %s", err.Error())
		return
	}
	fs.mu.Lock()
	changed := availability != fs.availability || !config.Equal(fs.config)
	fs.config, fs.availability = config, availability
	fs.mu.Unlock()
	if changed {
		fs.logger.Infof("proxyconfig: %s changed: %s", fs.path, config.String())
		fs.observers.notify(config, availability)
	}
}
