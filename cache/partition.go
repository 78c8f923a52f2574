package cache

import (
	"strings"

	"github.com/jonwraymond/offlineagent/classify"
)

// DefaultPrefix is the partition name prefix used when none is configured.
const DefaultPrefix = "agent"

// Partition identifies one versioned cache namespace.
type Partition struct {
	Name       string
	Generation string
	Class      classify.Class
}

// PartitionName builds the partition name "<prefix>-<class>-<version>".
func PartitionName(prefix string, class classify.Class, version string) string {
	return prefix + "-" + string(class) + "-" + version
}

// NewPartition builds the Partition for class at version.
func NewPartition(prefix string, class classify.Class, version string) Partition {
	return Partition{
		Name:       PartitionName(prefix, class, version),
		Generation: version,
		Class:      class,
	}
}

// ParsePartitionName reverses PartitionName. It reports false for names that
// do not carry prefix or a cacheable class, which belong to someone else.
func ParsePartitionName(prefix, name string) (Partition, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return Partition{}, false
	}
	for _, class := range classify.CacheableClasses() {
		version, ok := strings.CutPrefix(rest, string(class)+"-")
		if ok && version != "" {
			return Partition{Name: name, Generation: version, Class: class}, true
		}
	}
	return Partition{}, false
}
