package twoskip

import (
	crand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"os"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Default values. The checkpoint thresholds are a simple heuristic:
// don't bother rewriting a small file, and don't rewrite at all until
// the log has grown well past the last repack.
var (
	DefaultCheckpointMinSize int64 = 64 * KiB
	DefaultCheckpointRatio         = 2.0
	DefaultBackupLevel             = BackupLevelDefault
)

// Backup compression levels, mapped onto zstd encoder levels in backup.go.
const (
	BackupLevelFastest = 1
	BackupLevelDefault = 3
	BackupLevelBetter  = 6
	BackupLevelBest    = 9
)

// Options holds configuration options for the database.
// Contains all tunable parameters for database behavior; the zero
// value of most fields means "use the default".
type Options struct {
	// Path of the database file. Required.
	Path string

	// Create the file if it does not exist.
	Create bool

	// Read-only mode. Begin, Checkpoint and the write operations fail
	// with ErrReadOnly. Opening a database that needs recovery in
	// read-only mode fails, since recovery must write.
	ReadOnly bool

	// NoSync skips every fsync. Much faster, and an OS crash can lose
	// or corrupt recent commits. The file is still recoverable to some
	// earlier committed state.
	NoSync bool

	// CheckpointMinSize is the file size below which automatic
	// checkpointing never triggers.
	CheckpointMinSize int64

	// CheckpointRatio triggers an automatic checkpoint after a commit
	// once current size exceeds ratio * size-at-last-checkpoint.
	CheckpointRatio float64

	// DisableAutoCheckpoint turns off the post-commit checkpoint
	// heuristic entirely. Checkpoint() still works when called.
	DisableAutoCheckpoint bool

	// Paranoid runs a full consistency walk after recovery and after
	// every commit, failing the operation with ErrInternal if the
	// skip list is damaged. For debugging and tests.
	Paranoid bool

	// Rand is the source for skip-list tower heights. Inject a seeded
	// source to make insertion heights deterministic in tests. Defaults
	// to a PCG seeded from crypto/rand.
	Rand *rand.Rand

	// BackupLevel selects the zstd compression level used by Backup.
	BackupLevel int

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Create:            true,
		CheckpointMinSize: DefaultCheckpointMinSize,
		CheckpointRatio:   DefaultCheckpointRatio,
		BackupLevel:       DefaultBackupLevel,
		Logger:            DefaultLogger(),
	}
}

// Validate checks if the options are valid and returns an error if not.
// Catches common configuration mistakes that would prevent database operation.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.CheckpointMinSize < 0 {
		return ErrInvalidCheckpointMinSize
	}
	if o.CheckpointRatio < 1.0 {
		return ErrInvalidCheckpointRatio
	}
	switch o.BackupLevel {
	case BackupLevelFastest, BackupLevelDefault, BackupLevelBetter, BackupLevelBest:
	default:
		return ErrInvalidBackupLevel
	}
	return nil
}

// Clone creates a copy of the options.
// Useful when modifying options without affecting the original.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// withDefaults fills the zero-value fields in so the rest of the code
// never has to check for them.
func (o *Options) withDefaults() *Options {
	c := o.Clone()
	if c.CheckpointMinSize == 0 {
		c.CheckpointMinSize = DefaultCheckpointMinSize
	}
	if c.CheckpointRatio == 0 {
		c.CheckpointRatio = DefaultCheckpointRatio
	}
	if c.BackupLevel == 0 {
		c.BackupLevel = DefaultBackupLevel
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(randSeed(), randSeed()))
	}
	return c
}

// randSeed pulls a seed from crypto/rand so tower heights differ
// between processes unless a source was injected.
func randSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0x9E3779B97F4A7C15 // degraded but functional
	}
	return binary.BigEndian.Uint64(b[:])
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
