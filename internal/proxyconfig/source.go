package proxyconfig

//
// source.go - sources of proxy configuration.
//

import (
	"sync"
)

// Availability is the availability of a configuration returned by a [Source].
type Availability int

const (
	// AvailabilityValid means that the configuration is valid.
	AvailabilityValid = Availability(iota)

	// AvailabilityUnset means that there is no configuration, which is
	// equivalent to connecting directly.
	AvailabilityUnset

	// AvailabilityPending means that the configuration is not known yet
	// and that the source will notify its observers once it is. A pending
	// configuration is never a value you should use.
	AvailabilityPending
)

// String implements fmt.Stringer.
func (a Availability) String() string {
	switch a {
	case AvailabilityValid:
		return "valid"
	case AvailabilityUnset:
		return "unset"
	case AvailabilityPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Observer is notified when the configuration changes. Sources MAY call
// observers from any goroutine and MUST NOT pass [AvailabilityPending].
type Observer interface {
	OnConfigChanged(config Config, availability Availability)
}

// Source is a source of proxy configuration.
type Source interface {
	// Latest returns the latest configuration.
	Latest() (Config, Availability)

	// AddObserver registers an observer. The observer's dynamic type
	// MUST be comparable (e.g., a pointer).
	AddObserver(o Observer)

	// RemoveObserver unregisters an observer.
	RemoveObserver(o Observer)

	// OnLazyPoll gives polling sources a chance to check for changes.
	OnLazyPoll()
}

// observerList is a goroutine-safe list of observers.
type observerList struct {
	mu        sync.Mutex
	observers []Observer
}

func (ol *observerList) add(o Observer) {
	defer ol.mu.Unlock()
	ol.mu.Lock()
	ol.observers = append(ol.observers, o)
}

func (ol *observerList) remove(o Observer) {
	defer ol.mu.Unlock()
	ol.mu.Lock()
	for idx, entry := range ol.observers {
		if entry == o {
			ol.observers = append(ol.observers[:idx:idx], ol.observers[idx+1:]...)
			return
		}
	}
}

func (ol *observerList) notify(config Config, availability Availability) {
	ol.mu.Lock()
	observers := append([]Observer{}, ol.observers...)
	ol.mu.Unlock()
	for _, o := range observers {
		o.OnConfigChanged(config, availability)
	}
}

// FixedSource is a [Source] whose configuration only changes when
// you call [*FixedSource.Set].
type FixedSource struct {
	availability Availability
	config       Config
	mu           sync.Mutex
	observers    observerList
}

var _ Source = &FixedSource{}

// NewFixedSource creates a new [*FixedSource].
func NewFixedSource(config Config, availability Availability) *FixedSource {
	return &FixedSource{
		availability: availability,
		config:       config,
	}
}

// Latest implements Source.
func (fs *FixedSource) Latest() (Config, Availability) {
	defer fs.mu.Unlock()
	fs.mu.Lock()
	return fs.config, fs.availability
}

// Set changes the configuration and notifies the observers.
func (fs *FixedSource) Set(config Config, availability Availability) {
	fs.mu.Lock()
	fs.config, fs.availability = config, availability
	fs.mu.Unlock()
	if availability != AvailabilityPending {
		fs.observers.notify(config, availability)
	}
}

// AddObserver implements Source.
func (fs *FixedSource) AddObserver(o Observer) {
	fs.observers.add(o)
}

// RemoveObserver implements Source.
func (fs *FixedSource) RemoveObserver(o Observer) {
	fs.observers.remove(o)
}

// OnLazyPoll implements Source.
func (fs *FixedSource) OnLazyPoll() {
	// nothing
}
