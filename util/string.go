package util

import "bytes"

func SharedPrefixLen(a, b []byte) int {
	var i int
	for ; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			break
		}
	}
	return i
}

// 判断闭区间 [minKey, maxKey] 与左闭右开区间 [start, end) 是否存在交集.
// start 为 nil 表示无下界，end 为 nil 表示无上界
func RangeOverlap(minKey, maxKey, start, end []byte) bool {
	if start != nil && bytes.Compare(maxKey, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(minKey, end) >= 0 {
		return false
	}
	return true
}

// 判断两个闭区间 [aMin, aMax] 与 [bMin, bMax] 是否重叠
func KeyRangeOverlap(aMin, aMax, bMin, bMax []byte) bool {
	return bytes.Compare(aMax, bMin) >= 0 && bytes.Compare(bMax, aMin) >= 0
}

// 返回 a b 中较小 / 较大的一个
func MinKey(a, b []byte) []byte {
	if a == nil || (b != nil && bytes.Compare(b, a) < 0) {
		return b
	}
	return a
}

func MaxKey(a, b []byte) []byte {
	if a == nil || (b != nil && bytes.Compare(b, a) > 0) {
		return b
	}
	return a
}
