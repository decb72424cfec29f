package engine

import (
	"fmt"
	"io"
	"runtime"

	"sigs.k8s.io/yaml"
)

// Options configures an Engine: a plain struct plus a DefaultOptions
// constructor, with every field tagged for YAML so it can also be
// loaded with LoadOptionsYAML.
type Options struct {
	// Workers is the number of driver threads, each owning one ring.
	Workers int `json:"workers"`

	// SubmissionDepth sizes each worker's submission ring.
	// CompletionDepth must be >= SubmissionDepth; it is only validated
	// and does not size the completion ring, which the kernel sizes from
	// SubmissionDepth.
	SubmissionDepth uint32 `json:"submission_depth"`
	CompletionDepth uint32 `json:"completion_depth"`

	// FDSlotsPerWorker bounds concurrently open files per worker.
	FDSlotsPerWorker int `json:"fd_slots_per_worker"`

	// DirectIO enables O_DIRECT semantics and alignment enforcement for
	// every operation the engine handles; it is an engine-wide mode, not
	// chosen per Operation, since alignment is a property of the backing
	// storage and ring setup rather than of an individual byte range.
	DirectIO bool `json:"direct_io"`

	// DirectIOAlignment is the filesystem's required alignment for
	// O_DIRECT buffer/offset/length when DirectIO is set. Ignored
	// otherwise.
	DirectIOAlignment int `json:"direct_io_alignment"`

	// FileSizeCacheCapacity bounds the process-wide file-size metadata
	// cache (approximate, spread across shards).
	FileSizeCacheCapacity int `json:"file_size_cache_capacity"`

	// InputCapacity and OutputCapacity bound the Operation-batch input
	// channel and the Chunk output channel.
	InputCapacity  int `json:"input_capacity"`
	OutputCapacity int `json:"output_capacity"`
}

// DefaultOptions returns the default Options, scaling worker count to
// the host like workqueue.DefaultOption does.
func DefaultOptions() *Options {
	return &Options{
		Workers:               runtime.GOMAXPROCS(0),
		SubmissionDepth:       256,
		CompletionDepth:       256,
		FDSlotsPerWorker:      128,
		DirectIO:              false,
		DirectIOAlignment:     512,
		FileSizeCacheCapacity: 1 << 16,
		InputCapacity:         1024,
		OutputCapacity:        1024,
	}
}

// LoadOptionsYAML loads Options from YAML, starting from
// DefaultOptions() so a partial document only overrides what it names.
func LoadOptionsYAML(r io.Reader) (*Options, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("engine: read options: %w", err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("engine: parse options: %w", err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) validate() error {
	if o.Workers <= 0 {
		return fmt.Errorf("engine: workers must be > 0")
	}
	if o.CompletionDepth < o.SubmissionDepth {
		return fmt.Errorf("engine: completion_depth must be >= submission_depth")
	}
	if o.FDSlotsPerWorker <= 0 {
		return fmt.Errorf("engine: fd_slots_per_worker must be > 0")
	}
	return nil
}
