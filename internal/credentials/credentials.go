// Package credentials manages per-tenant credential generations on disk.
//
// Each pairing cycle gets its own directory,
// <root>/session-<tenant>-<unixmillis>, holding the device database for that
// generation. At rest a tenant has at most one generation.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	dirPrefix = "session-"
	// DeviceFile is the device database inside a generation directory.
	DeviceFile = "device.db"
)

// ErrInvalidTenant is returned for tenant ids that cannot name a directory.
var ErrInvalidTenant = errors.New("credentials: invalid tenant id")

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Generation identifies one credential bundle of a tenant.
type Generation struct {
	TenantID string
	Stamp    int64
	Dir      string
}

// DevicePath is the path of the device database of this generation.
func (g Generation) DevicePath() string {
	return filepath.Join(g.Dir, DeviceFile)
}

// Store owns the credential root directory.
type Store struct {
	root string

	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return &Store{root: dir, now: time.Now}, nil
}

// Root returns the credential root directory.
func (s *Store) Root() string { return s.root }

// ValidateTenant checks that id is usable in a directory name.
func ValidateTenant(id string) error {
	if id == "" || id == "." || id == ".." || !tenantPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	return nil
}

// parseDir splits a directory name into tenant and stamp.
// The stamp is the digits after the last dash, so tenant ids that contain
// dashes or prefix other ids still parse exactly.
func parseDir(name string) (string, int64, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return "", 0, false
	}
	rest := name[len(dirPrefix):]
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return "", 0, false
	}
	stamp, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || stamp <= 0 {
		return "", 0, false
	}
	return rest[:i], stamp, true
}

func dirName(tenantID string, stamp int64) string {
	return dirPrefix + tenantID + "-" + strconv.FormatInt(stamp, 10)
}

// List returns the tenant's generations, newest first.
func (s *Store) List(tenantID string) ([]Generation, error) {
	if err := ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}
	var out []Generation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tenant, stamp, ok := parseDir(e.Name())
		if !ok || tenant != tenantID {
			continue
		}
		out = append(out, Generation{TenantID: tenant, Stamp: stamp, Dir: filepath.Join(s.root, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp > out[j].Stamp })
	return out, nil
}

// Current returns the tenant's newest generation, if any.
func (s *Store) Current(tenantID string) (Generation, bool, error) {
	gens, err := s.List(tenantID)
	if err != nil || len(gens) == 0 {
		return Generation{}, false, err
	}
	return gens[0], true, nil
}

// Rotate deletes every generation of the tenant and creates a fresh one.
func (s *Store) Rotate(tenantID string) (Generation, error) {
	if err := s.WipeTenant(tenantID); err != nil {
		return Generation{}, err
	}
	gen := Generation{TenantID: tenantID, Stamp: s.nextStamp()}
	gen.Dir = filepath.Join(s.root, dirName(tenantID, gen.Stamp))
	if err := os.MkdirAll(gen.Dir, 0o700); err != nil {
		return Generation{}, fmt.Errorf("create generation dir: %w", err)
	}
	return gen, nil
}

// Wipe deletes one generation directory.
func (s *Store) Wipe(gen Generation) error {
	if gen.Dir == "" {
		return nil
	}
	if filepath.Dir(gen.Dir) != filepath.Clean(s.root) {
		return fmt.Errorf("generation dir %s is outside %s", gen.Dir, s.root)
	}
	if err := os.RemoveAll(gen.Dir); err != nil {
		return fmt.Errorf("remove %s: %w", gen.Dir, err)
	}
	return nil
}

// WipeTenant deletes every generation of the tenant.
func (s *Store) WipeTenant(tenantID string) error {
	gens, err := s.List(tenantID)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range gens {
		if err := s.Wipe(g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// nextStamp returns a millisecond stamp strictly greater than any issued before.
func (s *Store) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().UnixMilli()
	if stamp <= s.last {
		stamp = s.last + 1
	}
	s.last = stamp
	return stamp
}
