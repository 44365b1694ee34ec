// Package dq maintains a taxonomy of data-quality flag classes over a
// property graph and the flags attached to entities in it.
//
// Graph layout:
//
//	(entity)-[:HAS_DQ_FLAG]->(flag:DQ_Flag:<Class>)-[:HAS_DQ_CLASS]->(class:DQ_Class)
//	(class:DQ_Class)-[:HAS_DQ_CLASS]->(parent:DQ_Class) ... ->(root:DQ_Class:DQ_All {class: "all"})
//	(flag)-[:HAS_ATTACHMENT {description}]->(any node)
//
// Classes are unique by their "class" property. Uniqueness is checked when
// a class is looked up, not enforced by the store: a duplicate makes every
// later lookup of that label fail with ErrMultipleClassesFound until someone
// repairs the graph.
//
// Everything except batch deletion runs in the caller's transaction. Batch
// deletion commits one transaction per batch on a worker pool, independent
// of any transaction the caller holds.
package dq

// Node labels.
const (
	ClassLabel = "DQ_Class"
	RootLabel  = "DQ_All"
	FlagLabel  = "DQ_Flag"
)

// Relationship types.
const (
	RelHasClass      = "HAS_DQ_CLASS"
	RelHasFlag       = "HAS_DQ_FLAG"
	RelHasAttachment = "HAS_ATTACHMENT"
)

// Property keys.
const (
	PropClass             = "class"
	PropDescription       = "description"
	PropAlertTriggerLimit = "alertTriggerLimit"
	PropCreated           = "created"
)

const (
	// RootClass is the label of the taxonomy root.
	RootClass = "all"
	// DefaultFlagClass is used when a flag is created without a class.
	DefaultFlagClass = "Generic_Flag"
	// DefaultMaxDepth bounds the statistics walk.
	DefaultMaxDepth = 64
)

// reservedLabels may not be used as class labels because flags carry their
// class label as a node label next to these.
var reservedLabels = []string{ClassLabel, RootLabel, FlagLabel}
