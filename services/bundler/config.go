package bundler

import (
	"io"
	"time"
)

// DefaultEntrypoint is the runner binary path inside the job tree.
const DefaultEntrypoint = "bin/etl-runner"

// BuildConfig configures bundle creation.
type BuildConfig struct {
	SourceDir  string
	Entrypoint string
	Output     string
	Signer     *Signer
	Now        func() time.Time
	Stdout     io.Writer
}
