package dq

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/im7mortal/kmutex"

	"github.com/orneryd/dqgraph/pkg/storage"
)

// Config holds Service settings.
type Config struct {
	// MaxDepth bounds the statistics walk (default: DefaultMaxDepth).
	MaxDepth int
	// LockClassLabels serialises class creation per label inside this
	// process. See Service.LockClasses.
	LockClassLabels bool
	// BatchTimeout bounds each deletion batch (0: no bound).
	BatchTimeout time.Duration
	// BatchRateLimit caps deletion batches per second (0: unlimited).
	BatchRateLimit float64
	// BatchSettleTimeout bounds the wait for a batch that outlived
	// BatchTimeout (0: DefaultSettleTimeout).
	BatchSettleTimeout time.Duration
}

// DefaultConfig returns the default Service settings.
func DefaultConfig() *Config {
	return &Config{
		MaxDepth:     DefaultMaxDepth,
		BatchTimeout: time.Minute,
	}
}

// Service is the entry point for callers. It applies argument defaults and
// delegates to the taxonomy, registry, aggregator, lifecycle and scheduler.
//
// Methods taking a storage.Transaction work inside it and never commit.
// DeleteFlags and DeleteFlagsOfEntities commit their own transactions.
type Service struct {
	engine     storage.Engine
	taxonomy   *Taxonomy
	registry   *Registry
	aggregator *Aggregator
	lifecycle  *Lifecycle
	scheduler  *Scheduler
	locks      *kmutex.Kmutex
}

// NewService wires a Service over engine. exec runs deletion batches and is
// owned by the caller, who starts and stops it.
func NewService(engine storage.Engine, exec Executor, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	taxonomy := NewTaxonomy()
	s := &Service{
		engine:     engine,
		taxonomy:   taxonomy,
		registry:   NewRegistry(taxonomy),
		aggregator: NewAggregator(taxonomy, config.MaxDepth),
		lifecycle:  NewLifecycle(taxonomy),
		scheduler: NewScheduler(engine, exec, SchedulerConfig{
			BatchTimeout:  config.BatchTimeout,
			RateLimit:     config.BatchRateLimit,
			SettleTimeout: config.BatchSettleTimeout,
		}),
	}
	if config.LockClassLabels {
		s.locks = kmutex.New()
	}
	return s
}

// Update runs fn in a new transaction and commits it when fn returns nil.
func (s *Service) Update(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.engine.Update(fn)
}

// View runs fn in a new transaction that is rolled back afterwards.
func (s *Service) View(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.engine.View(fn)
}

// LockClasses takes the per-label creation locks for labels (the root is
// always included) and returns the function that releases them. Hold the
// locks across the whole transaction, commit included, so that two
// writers in this process cannot both create the same class. It is a no-op
// unless LockClassLabels is set; writers in other processes are not
// excluded either way.
func (s *Service) LockClasses(labels ...string) (unlock func()) {
	if s.locks == nil {
		return func() {}
	}
	keys := append([]string{RootClass}, labels...)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	for _, k := range keys {
		s.locks.Lock(k)
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			s.locks.Unlock(keys[i])
		}
	}
}

// CreateFlag raises a flag on entity. An empty label means DefaultFlagClass.
func (s *Service) CreateFlag(tx storage.Transaction, entity storage.NodeID, label, description string) (*FlagInstance, error) {
	if label == "" {
		label = DefaultFlagClass
	}
	return s.registry.CreateFlag(tx, entity, label, description)
}

// GetFlag returns one flag.
func (s *Service) GetFlag(tx storage.Transaction, id storage.NodeID) (*FlagInstance, error) {
	return s.registry.GetFlag(tx, id)
}

// AttachToFlag links flag to target.
func (s *Service) AttachToFlag(tx storage.Transaction, flag, target storage.NodeID, description string) (*Attachment, error) {
	return s.registry.AttachToFlag(tx, flag, target, description)
}

// Attachments lists the attachments of flag.
func (s *Service) Attachments(tx storage.Transaction, flag storage.NodeID) ([]*Attachment, error) {
	return s.registry.Attachments(tx, flag)
}

// FlagsOfEntity lists the flags raised on entity.
func (s *Service) FlagsOfEntity(tx storage.Transaction, entity storage.NodeID) ([]*FlagInstance, error) {
	return s.registry.FlagsOfEntity(tx, entity)
}

// DeleteFlags deletes flags in batches. A batchSize of 0 means 1.
func (s *Service) DeleteFlags(ctx context.Context, targets Targets, batchSize int) (int, error) {
	return s.scheduler.DeleteFlags(ctx, targets, batchSize)
}

// DeleteFlagsOfEntities deletes the flags of entities in batches and
// returns the number of entities processed.
func (s *Service) DeleteFlagsOfEntities(ctx context.Context, targets Targets, batchSize int) (int, error) {
	return s.scheduler.DeleteFlagsOfEntities(ctx, targets, batchSize)
}

// ListFlags yields flags, all of them when label is empty.
func (s *Service) ListFlags(tx storage.Transaction, label string) iter.Seq2[*FlagInstance, error] {
	return s.registry.ListFlags(tx, label)
}

// ListClasses yields classes, all of them when label is empty.
func (s *Service) ListClasses(tx storage.Transaction, label string) iter.Seq2[*FlagClass, error] {
	return s.registry.ListClasses(tx, label)
}

// CreateClass finds or creates a class. An empty parent means the root; an
// alertTriggerLimit of zero or less is not stored.
func (s *Service) CreateClass(tx storage.Transaction, label, parent string, alertTriggerLimit int64, description string) (*FlagClass, error) {
	return s.taxonomy.CreateClass(tx, ClassSpec{
		Label:             label,
		Parent:            parent,
		AlertTriggerLimit: alertTriggerLimit,
		Description:       description,
	})
}

// FindClass returns a class without creating it.
func (s *Service) FindClass(tx storage.Transaction, label string) (*FlagClass, error) {
	return s.taxonomy.FindClass(tx, label)
}

// DeleteClass deletes a class and its direct flags.
func (s *Service) DeleteClass(tx storage.Transaction, label string) (int, error) {
	return s.lifecycle.DeleteClass(tx, label)
}

// Statistics returns the counts of class, the root when class is empty.
// A missing class yields (nil, nil).
func (s *Service) Statistics(ctx context.Context, tx storage.Transaction, class string) (*Stats, error) {
	if class == "" {
		class = RootClass
	}
	stats, err := s.aggregator.ComputeStats(ctx, tx, class)
	if errors.Is(err, ErrClassNotFound) {
		return nil, nil
	}
	return stats, err
}
