// Package corestat holds the counters that
// direct_compress.c and background_compress.c left as bare
// STAT_(STAT_DIRECT_READ)-style macro calls into a stats subsystem the
// original never finished wiring up. One Counters value is registered
// per CoreContext.
package corestat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters mirrors the STAT_* call sites observed in direct_compress.c
// (STAT_DIRECT_READ, STAT_DIRECT_WRITE, STAT_FALLBACK) and
// background_compress.c (STAT_BACKGROUND_COMPRESS), plus the dedup
// module's own dedup/undedup call sites.
type Counters struct {
	DirectRead         prometheus.Counter
	DirectWrite        prometheus.Counter
	Fallback           prometheus.Counter
	BackgroundCompress prometheus.Counter
	Dedup              prometheus.Counter
	Undedup            prometheus.Counter
}

// New registers a Counters under reg and returns it. reg may be nil, in
// which case the counters are registered against a private registry
// instead of panicking on a nil Registerer — a CoreContext built
// without metrics still runs, it just has nobody scraping it.
func New(reg prometheus.Registerer) *Counters {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Counters{
		DirectRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "direct_reads_total",
			Help:      "Reads served directly from a codec stream without a whole-file fallback.",
		}),
		DirectWrite: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "direct_writes_total",
			Help:      "Writes served directly into a codec stream without a whole-file fallback.",
		}),
		Fallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "fallback_transcodes_total",
			Help:      "Whole-file decompress/compress fallbacks triggered by a non-sequential access.",
		}),
		BackgroundCompress: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "background_compress_total",
			Help:      "Whole-file compressions performed by the background worker.",
		}),
		Dedup: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "dedup_total",
			Help:      "Files replaced with a hardlink to an existing identical file.",
		}),
		Undedup: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fusecompress",
			Name:      "undedup_total",
			Help:      "Files given back a private copy after a write hit a shared inode.",
		}),
	}
}
