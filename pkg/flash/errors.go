package flash

import "fmt"

// UnsupportedVersionError indicates a descriptor whose metadataVersion is
// not the supported format version.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported meta.json version: %d", e.Version)
}

// UnsupportedFeatureError indicates a descriptor step the interpreter
// refuses to execute; parsing fails before any device I/O.
type UnsupportedFeatureError struct {
	Step StepType
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported meta.json feature: %s", e.Step)
}

// NotDirError indicates a directory-mode path that is not a directory.
type NotDirError struct {
	Path string
}

func (e *NotDirError) Error() string {
	return fmt.Sprintf("%s is not a directory", e.Path)
}

// NoMetaError indicates a package without its required meta.json.
type NoMetaError struct {
	Path string
}

func (e *NoMetaError) Error() string {
	return fmt.Sprintf("could not find required meta.json at %s", e.Path)
}

// FileMissingError indicates a referenced payload file that does not exist
// in the descriptor source.
type FileMissingError struct {
	Path string
}

func (e *FileMissingError) Error() string {
	return fmt.Sprintf("required file does not exist at %s", e.Path)
}
