package lsmkv

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lsmkv"

// 引擎运行指标. 未配置 Registerer 时指标照常计数，只是不对外暴露
type metrics struct {
	puts          prometheus.Counter
	deletes       prometheus.Counter
	gets          prometheus.Counter
	flushes       prometheus.Counter
	compactions   *prometheus.CounterVec // 按 compaction 输出层级统计
	bytesWritten  prometheus.Counter     // 写入 sstable 的字节数
	filterSkips   prometheus.Counter     // 过滤器判定不存在而跳过的 sstable 次数
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	levelTables   *prometheus.GaugeVec
	readOnlyState prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}

	m := metrics{
		puts:         counter("puts_total", "Number of put operations."),
		deletes:      counter("deletes_total", "Number of delete operations."),
		gets:         counter("gets_total", "Number of point lookups."),
		flushes:      counter("flushes_total", "Number of memtables flushed to level 0."),
		bytesWritten: counter("table_bytes_written_total", "Bytes written to sorted table files."),
		filterSkips:  counter("filter_skips_total", "Table probes skipped by the membership filter."),
		cacheHits:    counter("block_cache_hits_total", "Block cache hits."),
		cacheMisses:  counter("block_cache_misses_total", "Block cache misses."),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compactions_total",
			Help:      "Number of compactions by output level.",
		}, []string{"level"}),
		levelTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "level_tables",
			Help:      "Number of sorted tables per level.",
		}, []string{"level"}),
		readOnlyState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "read_only",
			Help:      "1 if a background failure switched the tree to read-only mode.",
		}),
	}

	if registerer == nil {
		return &m, nil
	}
	// 注册失败时回滚已经注册的指标，registerer 可以被再次使用
	var registered []prometheus.Collector
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			for _, r := range registered {
				registerer.Unregister(r)
			}
			return nil, errors.Mark(errors.Wrap(err, "register metrics"), ErrConfig)
		}
		registered = append(registered, c)
	}
	return &m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.puts, m.deletes, m.gets, m.flushes, m.compactions, m.bytesWritten,
		m.filterSkips, m.cacheHits, m.cacheMisses, m.levelTables, m.readOnlyState,
	}
}

func (m *metrics) unregister(registerer prometheus.Registerer) {
	if registerer == nil {
		return
	}
	for _, c := range m.collectors() {
		registerer.Unregister(c)
	}
}
