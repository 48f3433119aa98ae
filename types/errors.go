package types

import (
	"errors"
	"fmt"
)

// PackageNotFoundError means no runner package was resolvable from a
// candidate directory. Non-fatal: the discovery pass keeps going and surfaces
// it as a per-candidate warning.
type PackageNotFoundError struct {
	Dir string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("vitest package not found from %q", e.Dir)
}

// IsPackageNotFound checks if the error is or wraps a PackageNotFoundError
func IsPackageNotFound(err error) bool {
	var target *PackageNotFoundError
	return err != nil && errors.As(err, &target)
}

// PackageMismatchError means the resolved manifest declares a different
// package name than the runner's. Always surfaced at error level.
type PackageMismatchError struct {
	ManifestPath string
	Name         string
}

func (e *PackageMismatchError) Error() string {
	return fmt.Sprintf("package at %q declares name %q, expected \"vitest\"", e.ManifestPath, e.Name)
}

// IsPackageMismatch checks if the error is or wraps a PackageMismatchError
func IsPackageMismatch(err error) bool {
	var target *PackageMismatchError
	return err != nil && errors.As(err, &target)
}

// VersionTooOldError means the resolved runner version is below the minimum
// supported version.
type VersionTooOldError struct {
	ManifestPath string
	Version      string
	Minimum      string
}

func (e *VersionTooOldError) Error() string {
	return fmt.Sprintf("vitest %s at %q is below the minimum supported version %s", e.Version, e.ManifestPath, e.Minimum)
}

// IsVersionTooOld checks if the error is or wraps a VersionTooOldError
func IsVersionTooOld(err error) bool {
	var target *VersionTooOldError
	return err != nil && errors.As(err, &target)
}

// TargetMissingError rejects an RPC call addressed to a project id the worker
// does not host.
type TargetMissingError struct {
	ID string
}

func (e *TargetMissingError) Error() string {
	return fmt.Sprintf("Vitest instance not found with id %q", e.ID)
}

// MethodMissingError rejects an RPC call naming a method the execution
// context does not implement.
type MethodMissingError struct {
	Method string
}

func (e *MethodMissingError) Error() string {
	return fmt.Sprintf("Method not found: %s", e.Method)
}

// WorkerTotalFailureError means a worker constructed zero execution contexts.
// Fatal for that worker; carries every per-project failure.
type WorkerTotalFailureError struct {
	Errors []ProjectError
}

func (e *WorkerTotalFailureError) Error() string {
	return fmt.Sprintf("no execution context could be constructed (%d failures)", len(e.Errors))
}
