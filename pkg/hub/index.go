package hub

import "sort"

// topicIndex 反向索引：topic -> 连接标识集合
//
// 本身不加锁，由 Registry 的锁保护。成员为空的 topic 立即删除。
type topicIndex map[string]map[string]struct{}

func (ix topicIndex) add(topic, id string) bool {
	members, ok := ix[topic]
	if !ok {
		members = make(map[string]struct{})
		ix[topic] = members
	}
	if _, exists := members[id]; exists {
		return false
	}
	members[id] = struct{}{}
	return true
}

func (ix topicIndex) remove(topic, id string) bool {
	members, ok := ix[topic]
	if !ok {
		return false
	}
	if _, exists := members[id]; !exists {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(ix, topic)
	}
	return true
}

// members 返回排序后的副本
func (ix topicIndex) members(topic string) []string {
	set := ix[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// memberships 所有 topic 的成员总数
func (ix topicIndex) memberships() int {
	n := 0
	for _, set := range ix {
		n += len(set)
	}
	return n
}

// sortedKeys 集合转排序切片
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
