package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/pronounce/pkg/provider/asr"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	asr        map[string]func(ProviderEntry) (asr.Provider, error)
	phonemizer map[string]func(ProviderEntry) (phonemizer.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:        make(map[string]func(ProviderEntry) (asr.Provider, error)),
		phonemizer: make(map[string]func(ProviderEntry) (phonemizer.Provider, error)),
	}
}

// RegisterASR registers a speech recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(ProviderEntry) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterPhonemizer registers a phonemizer factory under name.
func (r *Registry) RegisterPhonemizer(name string, factory func(ProviderEntry) (phonemizer.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phonemizer[name] = factory
}

// CreateASR instantiates a recognizer using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePhonemizer instantiates a phonemizer using the factory registered under entry.Name.
func (r *Registry) CreatePhonemizer(entry ProviderEntry) (phonemizer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.phonemizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: phonemizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered provider names for kind ("asr" or
// "phonemizer").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "asr":
		for n := range r.asr {
			names = append(names, n)
		}
	case "phonemizer":
		for n := range r.phonemizer {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
