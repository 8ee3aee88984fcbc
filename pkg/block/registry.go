package block

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grieco/vdisk/internal/logger"
)

// The driver registry is process-wide and append-only: drivers register once
// at startup (usually from package init functions) and are looked up by
// format name for the rest of the process lifetime. There is no unregister.
//
// Registrations are serialized behind a lock so late dynamic registration is
// safe, but the expected pattern is that all registrations complete before
// any node-open activity begins.
var registry = struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}{
	drivers: make(map[string]Driver),
}

// Register adds a driver to the process-wide registry.
//
// Returns an error if:
//   - the format name is empty
//   - a driver with the same format name already exists (ErrDuplicateName)
//   - a non-filter driver implements neither read nor write
func Register(d Driver) error {
	if d == nil {
		return fmt.Errorf("cannot register nil driver")
	}
	info := d.Info()
	if info.FormatName == "" {
		return fmt.Errorf("cannot register driver with empty format name")
	}
	if !info.IsFilter {
		_, canRead := d.(Reader)
		_, canWrite := d.(Writer)
		if !canRead && !canWrite {
			return fmt.Errorf("driver %q implements neither read nor write", info.FormatName)
		}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.drivers[info.FormatName]; exists {
		return fmt.Errorf("driver %q: %w", info.FormatName, ErrDuplicateName)
	}

	registry.drivers[info.FormatName] = d
	logger.Debug("registered block driver %q (%d operations)", info.FormatName, len(SupportedOps(d)))
	return nil
}

// MustRegister is Register for package init functions: it panics on failure,
// which can only be a programming error (duplicate or malformed driver).
func MustRegister(d Driver) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Lookup resolves a driver by format name.
func Lookup(name string) (Driver, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	d, ok := registry.drivers[name]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// Names returns the registered format names in sorted order.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	out := make([]string, 0, len(registry.drivers))
	for name := range registry.drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FindFormat probes the registered drivers with an image header buffer and
// returns the driver with the highest probe score. Returns ErrNotFound when
// no driver recognizes the buffer.
func FindFormat(buf []byte, filename string) (Driver, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	var best Driver
	bestScore := 0
	// Iterate in sorted order so ties resolve deterministically.
	names := make([]string, 0, len(registry.drivers))
	for name := range registry.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := registry.drivers[name]
		p, ok := d.(Prober)
		if !ok {
			continue
		}
		if score := p.Probe(buf, filename); score > bestScore {
			best, bestScore = d, score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no driver recognizes image format: %w", ErrNotFound)
	}
	return best, nil
}
