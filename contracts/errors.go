package contracts

import (
	"errors"
	"fmt"
)

// ErrDependencyUnavailable marks handler failures caused by an unreachable downstream dependency
var ErrDependencyUnavailable = errors.New("contracts: dependency unavailable")

// DependencyUnavailableError names the dependency that failed and wraps the cause
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dependency %s unavailable", e.Dependency)
	}
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrDependencyUnavailable so callers only need errors.Is
func (e *DependencyUnavailableError) Is(target error) bool {
	return target == ErrDependencyUnavailable
}

// DependencyUnavailable wraps err to signal that dependency could not be reached
func DependencyUnavailable(dependency string, err error) error {
	return &DependencyUnavailableError{Dependency: dependency, Err: err}
}

// IsDependencyUnavailable reports whether err signals an unavailable dependency
func IsDependencyUnavailable(err error) bool {
	return err != nil && errors.Is(err, ErrDependencyUnavailable)
}
