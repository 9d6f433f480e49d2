package lsmkv

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/lsmkv/util"
)

// 一次 compaction 的输入: level 层的 inputs 与 outputLevel 层与之重叠的 overlaps，
// 合并后全部写入 outputLevel 层
type compactionTask struct {
	level       int
	outputLevel int
	inputs      []*Node // level 层被选中的 node，level0 时从新到旧
	overlaps    []*Node // outputLevel 层与 inputs 重叠的 node，按 key 有序
	bottommost  bool    // outputLevel 之下没有与本次 key 范围重叠的数据
}

// 归并时的数据源，越新的越靠前
func (c *compactionTask) sources() []*Node {
	nodes := make([]*Node, 0, len(c.inputs)+len(c.overlaps))
	nodes = append(nodes, c.inputs...)
	return append(nodes, c.overlaps...)
}

func (c *compactionTask) tableRefs() []tableRef {
	refs := make([]tableRef, 0, len(c.inputs)+len(c.overlaps))
	for _, node := range c.inputs {
		refs = append(refs, tableRef{tableID: node.ID(), level: c.level})
	}
	for _, node := range c.overlaps {
		refs = append(refs, tableRef{tableID: node.ID(), level: c.outputLevel})
	}
	return refs
}

// CompactionStrategy 决定何时 compaction 以及选择哪些 sstable.
// 归并流程与策略无关，由 Tree.runCompaction 统一执行
type CompactionStrategy interface {
	Name() string
	// 根据各层的 node 选出一次 compaction，没有需要 compaction 的层时返回 nil
	PickCompaction(levels [][]*Node) *compactionTask
}

func newCompactionStrategy(conf *Config) (CompactionStrategy, error) {
	switch conf.CompactionStrategy {
	case StrategyLeveled:
		return &leveledStrategy{conf: conf, cursors: make([][]byte, conf.MaxLevel)}, nil
	case StrategySizeTiered:
		return &sizeTieredStrategy{conf: conf}, nil
	default:
		return nil, errors.Mark(errors.Newf("unknown compaction strategy %q", conf.CompactionStrategy), ErrConfig)
	}
}

// size tiered: 某层 sstable 数量超过 fan out 时，该层全部 sstable 连同下一层与之重叠的 sstable 合并到下一层
type sizeTieredStrategy struct {
	conf *Config
}

func (s *sizeTieredStrategy) Name() string {
	return StrategySizeTiered
}

func (s *sizeTieredStrategy) PickCompaction(levels [][]*Node) *compactionTask {
	// 最后一层不执行 compaction
	for level := 0; level < len(levels)-1; level++ {
		if len(levels[level]) <= s.conf.SizeTieredFanOut {
			continue
		}
		inputs := append([]*Node(nil), levels[level]...)
		return newCompactionTask(levels, level, inputs)
	}
	return nil
}

// leveled: level0 的 sstable 数量达到阈值，或者 level i 的总大小超过 base * multiplier^(i-1) 时触发.
// level0 的 sstable 相互重叠，需要全部选中；其余层轮转选择一个 sstable，连同下一层与之重叠的 sstable 合并到下一层
type leveledStrategy struct {
	conf    *Config
	cursors [][]byte // 各层上一次被选中的 sstable 的最大 key
}

func (l *leveledStrategy) Name() string {
	return StrategyLeveled
}

func (l *leveledStrategy) PickCompaction(levels [][]*Node) *compactionTask {
	bestLevel, bestScore := -1, 1.0
	for level := 0; level < len(levels)-1; level++ {
		score := l.score(levels, level)
		if score >= 1 && (bestLevel < 0 || score > bestScore) {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel < 0 {
		return nil
	}

	if bestLevel == 0 {
		return newCompactionTask(levels, 0, append([]*Node(nil), levels[0]...))
	}

	// 轮转选择下一个 sstable
	nodes := levels[bestLevel]
	picked := nodes[0]
	if cursor := l.cursors[bestLevel]; cursor != nil {
		for _, node := range nodes {
			if bytes.Compare(node.Start(), cursor) > 0 {
				picked = node
				break
			}
		}
	}
	l.cursors[bestLevel] = append([]byte(nil), picked.End()...)
	return newCompactionTask(levels, bestLevel, []*Node{picked})
}

// level0 按文件数计分，其余层按总大小与目标大小之比计分. 分数 >= 1 表示需要 compaction，level >= 1 要求严格超过目标大小
func (l *leveledStrategy) score(levels [][]*Node, level int) float64 {
	if level == 0 {
		return float64(len(levels[0])) / float64(l.conf.Level0FileNum)
	}
	size := levelSize(levels[level])
	target := l.targetSize(level)
	if size <= target {
		return 0
	}
	return float64(size) / float64(target)
}

func (l *leveledStrategy) targetSize(level int) uint64 {
	target := l.conf.LevelBaseSize
	for i := 1; i < level; i++ {
		target *= uint64(l.conf.LevelMultiplier)
	}
	return target
}

// 补齐下一层与 inputs 重叠的 sstable，并判断输出是否已经是该 key 范围内最底层的数据
func newCompactionTask(levels [][]*Node, level int, inputs []*Node) *compactionTask {
	minKey, maxKey := keyRange(inputs)
	task := compactionTask{
		level:       level,
		outputLevel: level + 1,
		inputs:      inputs,
	}
	for _, node := range levels[task.outputLevel] {
		if util.KeyRangeOverlap(node.Start(), node.End(), minKey, maxKey) {
			task.overlaps = append(task.overlaps, node)
		}
	}

	minKey, maxKey = keyRange(task.sources())
	task.bottommost = true
	for deeper := task.outputLevel + 1; deeper < len(levels) && task.bottommost; deeper++ {
		for _, node := range levels[deeper] {
			if util.KeyRangeOverlap(node.Start(), node.End(), minKey, maxKey) {
				task.bottommost = false
				break
			}
		}
	}
	return &task
}

func keyRange(nodes []*Node) (minKey, maxKey []byte) {
	for _, node := range nodes {
		minKey = util.MinKey(minKey, node.Start())
		maxKey = util.MaxKey(maxKey, node.End())
	}
	return minKey, maxKey
}
