// Code for removing the trees astbuild produces.

package clean

import (
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/astbridge/astbuild/src/cli/logging"
	"github.com/astbridge/astbuild/src/core"
	"github.com/astbridge/astbuild/src/fs"
)

var log = logging.Log

// Clean removes every tree the build produces on the given host, so the next run starts from scratch.
// Removal of every path is attempted even if an earlier one fails.
func Clean(config *core.Configuration, host string) error {
	return Paths(config.CleanPaths(host)...)
}

// Paths removes the given paths and anything beneath them.
func Paths(paths ...string) error {
	var errs *multierror.Error
	for _, path := range paths {
		if err := clean(path); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func clean(path string) error {
	if !fs.PathExists(path) {
		log.Debug("Nothing to clean at %s", path)
		return nil
	}
	log.Notice("Cleaning path %s", path)
	return os.RemoveAll(path)
}
