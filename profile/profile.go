// Package profile provisions the throwaway browser profile directory that
// backs a single session.
package profile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"portal-capture/failure"
)

const dirPrefix = "portal-capture-profile-"

// Provisioner creates profile directories under a fixed base directory
type Provisioner struct {
	baseDir   string
	logger    *logrus.Logger
	created   atomic.Int64
	destroyed atomic.Int64
}

// Stats counts directories created and destroyed by one provisioner
type Stats struct {
	Created   int64
	Destroyed int64
}

// NewProvisioner creates a provisioner. An empty baseDir means os.TempDir().
func NewProvisioner(baseDir string, logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		baseDir: baseDir,
		logger:  logger,
	}
}

// Create allocates a uniquely named directory
func (p *Provisioner) Create() (*Profile, error) {
	if p.baseDir != "" {
		if err := os.MkdirAll(p.baseDir, 0700); err != nil {
			return nil, failure.New(failure.KindProvision, "create profile base directory", err)
		}
	}

	dir, err := os.MkdirTemp(p.baseDir, dirPrefix)
	if err != nil {
		return nil, failure.New(failure.KindProvision, "create profile directory", err)
	}
	p.created.Add(1)

	p.logger.WithField("profile_dir", dir).Debug("Profile provisioned")
	return &Profile{dir: dir, owner: p}, nil
}

// Stats returns a snapshot of the counters
func (p *Provisioner) Stats() Stats {
	return Stats{
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
	}
}

// Profile is an exclusively owned directory holding all browser runtime state
type Profile struct {
	dir   string
	owner *Provisioner
	once  sync.Once
	err   error
}

// Dir returns the directory path
func (p *Profile) Dir() string {
	return p.dir
}

// Destroy removes the directory tree. Only the first call does any work;
// later calls return the first call's result.
func (p *Profile) Destroy() error {
	p.once.Do(func() {
		p.owner.destroyed.Add(1)

		if _, err := os.Stat(p.dir); err != nil {
			p.err = failure.New(failure.KindCleanup, "stat profile directory", err)
			return
		}
		if err := os.RemoveAll(p.dir); err != nil {
			p.err = failure.New(failure.KindCleanup, "remove profile directory", err)
			return
		}
		p.owner.logger.WithField("profile_dir", p.dir).Debug("Profile destroyed")
	})
	return p.err
}

// String implements fmt.Stringer
func (p *Profile) String() string {
	return fmt.Sprintf("profile(%s)", p.dir)
}
