package alloc

import (
	"flag"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/thinvec/memutils/metadata"
	"gopkg.in/yaml.v3"
)

const defaultArenaSize = 1024 * 1024

// Bytes is a size in bytes that can be written in human readable form, such as "64KiB" or "1 MB",
// in YAML documents and on the command line
type Bytes uint64

func (b Bytes) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *Bytes) Set(s string) error {
	parsed, err := humanize.ParseBytes(s)
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", s)
	}
	*b = Bytes(parsed)
	return nil
}

func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

func (b Bytes) MarshalYAML() (any, error) {
	return b.String(), nil
}

// ArenaConfig holds the settings for an Arena that are loaded from configuration files or flags
type ArenaConfig struct {
	Size     Bytes  `yaml:"size"`
	Strategy string `yaml:"strategy"`
	Mmap     bool   `yaml:"mmap"`
}

func (c *ArenaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	c.Size = defaultArenaSize
	f.Var(&c.Size, prefix+"size", `Size of the arena slab. Accepts human readable sizes such as "64KiB" or "16MB".`)
	f.StringVar(&c.Strategy, prefix+"strategy", "", `Placement strategy for new blocks: one of Balanced, MinMemory, MinTime, MinOffset. Empty means Balanced.`)
	f.BoolVar(&c.Mmap, prefix+"mmap", false, `Back the arena slab with an anonymous memory mapping instead of the Go heap.`)
}

func (c ArenaConfig) Validate() error {
	if c.Size == 0 {
		return errors.New("arena size must be positive")
	}
	if uint64(c.Size) > uint64(maxArenaSize) {
		return errors.Errorf("arena size must be at most %s, got: %s", humanize.IBytes(uint64(maxArenaSize)), c.Size)
	}
	if _, err := c.allocationStrategy(); err != nil {
		return err
	}
	return nil
}

// CreateOptions converts the configuration into the options accepted by NewArena
func (c ArenaConfig) CreateOptions() (ArenaCreateOptions, error) {
	if err := c.Validate(); err != nil {
		return ArenaCreateOptions{}, err
	}

	strategy, _ := c.allocationStrategy()
	return ArenaCreateOptions{
		Size:     int(c.Size),
		Strategy: strategy,
		UseMmap:  c.Mmap,
	}, nil
}

func (c ArenaConfig) allocationStrategy() (metadata.AllocationStrategy, error) {
	if c.Strategy == "" {
		return 0, nil
	}

	strategy, ok := metadata.ParseAllocationStrategy(c.Strategy)
	if !ok {
		return 0, errors.Errorf("unknown arena strategy: %q", c.Strategy)
	}
	return strategy, nil
}

// ParseArenaConfig decodes a YAML document into an ArenaConfig. Fields missing from the document
// keep their defaults.
func ParseArenaConfig(document []byte) (ArenaConfig, error) {
	config := ArenaConfig{Size: defaultArenaSize}
	if err := yaml.Unmarshal(document, &config); err != nil {
		return ArenaConfig{}, errors.Wrap(err, "failed to parse arena config")
	}

	if err := config.Validate(); err != nil {
		return ArenaConfig{}, err
	}
	return config, nil
}
