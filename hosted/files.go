package hosted

import (
	"github.com/spf13/afero"
)

// Files reads images through an afero filesystem.
type Files struct {
	Fs afero.Fs
}

// NewOSFiles reads from the host filesystem and never writes to it.
func NewOSFiles() Files {
	return Files{Fs: afero.NewReadOnlyFs(afero.NewOsFs())}
}

func (f Files) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.Fs, path)
}
