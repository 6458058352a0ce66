package operations

// Metric bucket names per operation type. Buckets group the entries of an
// operation's metrics log by domain meaning: a backtest emits bar events,
// a training run emits epoch events, a data load emits segment events.
const (
	BucketBars     = "bars"
	BucketEpochs   = "epochs"
	BucketSegments = "segments"

	// BucketDefault collects entries for operation types without a
	// dedicated bucket.
	BucketDefault = "events"
)

// MetricBucketer resolves the metrics bucket for an operation type.
// Implementations replace per-callsite type switching so new operation
// types can plug in their own bucket name.
type MetricBucketer interface {
	Bucket() string
}

type staticBucket string

func (b staticBucket) Bucket() string { return string(b) }

var bucketsByType = map[Type]MetricBucketer{
	TypeBacktesting: staticBucket(BucketBars),
	TypeTraining:    staticBucket(BucketEpochs),
	TypeDataLoad:    staticBucket(BucketSegments),
}

// BucketFor returns the metrics bucket name for the given operation type,
// falling back to BucketDefault for unknown types.
func BucketFor(t Type) string {
	if b, ok := bucketsByType[t]; ok {
		return b.Bucket()
	}
	return BucketDefault
}
